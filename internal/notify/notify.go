// Package notify publishes an event for every persisted batch.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "indices.batches"

// BatchEvent describes one persisted batch.
type BatchEvent struct {
	AOIName  string    `json:"aoi_name"`
	BatchID  string    `json:"batch_id"`
	Start    string    `json:"start"`
	End      string    `json:"end"`
	Points   int       `json:"points"`
	LastDate string    `json:"last_date,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Publisher delivers batch events.
type Publisher interface {
	PublishBatch(ctx context.Context, ev BatchEvent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) PublishBatch(context.Context, BatchEvent) error { return nil }
func (Nop) Close() error { return nil }

// NATSPublisher publishes events as JSON on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the NATS server at url.
func Connect(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	options := []nats.Option{
		nats.Name("indexd"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSPublisher{conn: nc, subject: subject}, nil
}

func (p *NATSPublisher) PublishBatch(ctx context.Context, ev BatchEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}

func encode(ev BatchEvent) ([]byte, error) {
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding batch event: %w", err)
	}
	return data, nil
}
