package notify

import (
	"context"
	"encoding/json"
	"testing"
)

func TestEncode(t *testing.T) {
	data, err := encode(BatchEvent{AOIName: "damascus", BatchID: "b1", Start: "2024-01-01", End: "2024-01-31", Points: 5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["aoi_name"] != "damascus" || got["points"] != float64(5) {
		t.Errorf("event = %v", got)
	}
	if _, ok := got["last_date"]; ok {
		t.Error("empty last_date should be omitted")
	}
	if got["sent_at"] == "" || got["sent_at"] == "0001-01-01T00:00:00Z" {
		t.Errorf("sent_at not stamped: %v", got["sent_at"])
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.PublishBatch(context.Background(), BatchEvent{}); err != nil {
		t.Errorf("PublishBatch: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	if _, err := Connect("nats://127.0.0.1:1", "", nil); err == nil {
		t.Error("expected error connecting to a closed port")
	}
}
