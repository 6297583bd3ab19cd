package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/geometry"
	"github.com/astroAycha/geospatial-mlops/internal/pipeline"
	"github.com/astroAycha/geospatial-mlops/internal/refresh"
	"github.com/astroAycha/geospatial-mlops/internal/series"
	"github.com/astroAycha/geospatial-mlops/internal/store"
)

const maxBodyBytes = 1 << 20

// Updater extends a persisted series to today.
type Updater interface {
	Update(ctx context.Context, aoiName string) (*pipeline.Result, error)
}

// Extractor runs a full extraction for an AOI and date range.
type Extractor interface {
	Extract(ctx context.Context, aoi series.AOI, start, end time.Time) (*pipeline.Result, error)
}

// StatusReporter reports per-AOI refresh state.
type StatusReporter interface {
	Status() []refresh.AOIStatus
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Store         store.Store
	Updater       Updater
	Extractor     Extractor
	Refresher     StatusReporter
	Logger        *slog.Logger
	StartTime     time.Time
	StorageDriver string
	StoragePath   string
	Version       string
}

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// extractFailure carries a series that was computed but could not be persisted.
type extractFailure struct {
	apiError
	Result *pipeline.Result `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: status})
}

// statusFor maps the pipeline error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, series.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, series.ErrNoDataFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, series.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return series.Date(t), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD or RFC3339)", s)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

type aoiResponse struct {
	Name     string       `json:"name"`
	LastDate string       `json:"last_date,omitempty"`
	BBox     *series.BBox `json:"bbox,omitempty"`
}

// ListAOIs handles GET /api/v1/aois
func (h *Handlers) ListAOIs(w http.ResponseWriter, r *http.Request) {
	names, err := h.Store.ListAOIs(r.Context())
	if err != nil {
		h.logger().Error("listing aois", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list aois")
		return
	}

	result := make([]aoiResponse, 0, len(names))
	for _, name := range names {
		ar := aoiResponse{Name: name}
		if wm, err := h.Store.Watermark(r.Context(), name); err == nil && wm != nil {
			ar.LastDate = wm.LastDate.Format(time.DateOnly)
			bb := wm.BBox
			ar.BBox = &bb
		}
		result = append(result, ar)
	}
	writeJSON(w, http.StatusOK, result)
}

// GetSeries handles GET /api/v1/aois/{name}/series
func (h *Handlers) GetSeries(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := series.ValidateAOIName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var from, to time.Time
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' parameter (YYYY-MM-DD)")
			return
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' parameter (YYYY-MM-DD)")
			return
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		writeError(w, http.StatusBadRequest, "'from' must not be after 'to'")
		return
	}

	records, err := h.Store.ReadSeries(r.Context(), name, from, to)
	if err != nil {
		h.logger().Error("reading series", "aoi", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read series")
		return
	}
	if records == nil {
		records = []series.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"aoi_name": name,
		"count":    len(records),
		"records":  records,
	})
}

// GetWatermark handles GET /api/v1/aois/{name}/watermark
func (h *Handlers) GetWatermark(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := series.ValidateAOIName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wm, err := h.Store.Watermark(r.Context(), name)
	if err != nil {
		h.logger().Error("reading watermark", "aoi", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read watermark")
		return
	}
	if wm == nil {
		writeError(w, http.StatusNotFound, "no persisted series for aoi")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"aoi_name":  wm.AOIName,
		"last_date": wm.LastDate.Format(time.DateOnly),
		"bbox":      wm.BBox,
	})
}

// UpdateAOI handles POST /api/v1/aois/{name}/update
func (h *Handlers) UpdateAOI(w http.ResponseWriter, r *http.Request) {
	if h.Updater == nil {
		writeError(w, http.StatusServiceUnavailable, "updates are not enabled")
		return
	}
	name := r.PathValue("name")

	res, err := h.Updater.Update(r.Context(), name)
	if err != nil {
		h.logger().Error("update failed", "aoi", name, "error", err)
		status := statusFor(err)
		if errors.Is(err, series.ErrInvalidArgument) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// extractRequest is the body of POST /api/v1/extract. Either bbox or a point with
// radius_m must be given.
type extractRequest struct {
	Name    string    `json:"name"`
	Lat     *float64  `json:"lat"`
	Lon     *float64  `json:"lon"`
	RadiusM float64   `json:"radius_m"`
	BBox    []float64 `json:"bbox"`
	Start   string    `json:"start"`
	End     string    `json:"end"`
}

func (req extractRequest) aoi() (series.AOI, error) {
	if err := series.ValidateAOIName(req.Name); err != nil {
		return series.AOI{}, err
	}
	if len(req.BBox) > 0 {
		if len(req.BBox) != 4 {
			return series.AOI{}, fmt.Errorf("bbox must have 4 values, got %d: %w", len(req.BBox), series.ErrInvalidArgument)
		}
		bb := series.BBox{MinLon: req.BBox[0], MinLat: req.BBox[1], MaxLon: req.BBox[2], MaxLat: req.BBox[3]}
		if err := bb.Validate(); err != nil {
			return series.AOI{}, err
		}
		return series.AOI{Name: req.Name, BBox: bb}, nil
	}
	if req.Lat == nil || req.Lon == nil {
		return series.AOI{}, fmt.Errorf("either bbox or lat/lon is required: %w", series.ErrInvalidArgument)
	}
	bb, err := geometry.BuildBBox(*req.Lat, *req.Lon, req.RadiusM)
	if err != nil {
		return series.AOI{}, err
	}
	return series.AOI{Name: req.Name, BBox: bb}, nil
}

// Extract handles POST /api/v1/extract
func (h *Handlers) Extract(w http.ResponseWriter, r *http.Request) {
	if h.Extractor == nil {
		writeError(w, http.StatusServiceUnavailable, "extraction is not enabled")
		return
	}

	var req extractRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	aoi, err := req.aoi()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := parseDate(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'start' (YYYY-MM-DD)")
		return
	}
	end, err := parseDate(req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'end' (YYYY-MM-DD)")
		return
	}

	res, err := h.Extractor.Extract(r.Context(), aoi, start, end)
	if err != nil {
		h.logger().Error("extraction failed", "aoi", aoi.Name, "error", err)
		code := statusFor(err)
		if res != nil {
			writeJSON(w, code, extractFailure{apiError: apiError{Error: err.Error(), Code: code}, Result: res})
			return
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type storageHealth struct {
		Driver    string `json:"driver"`
		Status    string `json:"status"`
		AOIs      int    `json:"aois"`
		SizeBytes int64  `json:"size_bytes,omitempty"`
	}
	type healthResponse struct {
		Status  string              `json:"status"`
		Version string              `json:"version"`
		Uptime  string              `json:"uptime"`
		Storage storageHealth       `json:"storage"`
		AOIs    []refresh.AOIStatus `json:"aois"`
	}

	resp := healthResponse{
		Status:  "healthy",
		Version: h.Version,
		Uptime:  formatUptime(time.Since(h.StartTime)),
		Storage: storageHealth{Driver: h.StorageDriver, Status: "ok"},
		AOIs:    []refresh.AOIStatus{},
	}

	// Path is omitted to avoid exposing filesystem details.
	if names, err := h.Store.ListAOIs(r.Context()); err != nil {
		h.logger().Warn("health check: listing aois", "error", err)
		resp.Status = "degraded"
		resp.Storage.Status = "error"
	} else {
		resp.Storage.AOIs = len(names)
	}
	if h.StorageDriver == "sqlite" && h.StoragePath != "" {
		if info, err := os.Stat(h.StoragePath); err == nil {
			resp.Storage.SizeBytes = info.Size()
		}
	}
	if h.Refresher != nil {
		resp.AOIs = append(resp.AOIs, h.Refresher.Status()...)
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
