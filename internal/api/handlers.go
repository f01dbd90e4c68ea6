package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chadmayfield/heatlogd/internal/collector"
	"github.com/chadmayfield/heatlogd/internal/query"
	"github.com/chadmayfield/heatlogd/internal/store"
)

// Querier answers the read endpoints. *query.Service implements it.
type Querier interface {
	CurrentStatus(ctx context.Context) (*query.Status, error)
	History(ctx context.Context, hours int) (*query.Series, error)
	LocalHistory(ctx context.Context, hours int) (*query.Series, error)
	Energy(ctx context.Context, hours int) (*query.EnergyReport, error)
	DBStats(ctx context.Context) (*store.Stats, error)
	Control(ctx context.Context, code, value string) error
}

// SchedulerStatus reports ingestion health. *collector.Scheduler implements it.
type SchedulerStatus interface {
	Status() collector.Status
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Query         Querier
	Scheduler     SchedulerStatus
	Logger        *slog.Logger
	StartTime     time.Time
	StorageDriver string
	Version       string
}

const maxControlBody = 4 << 10

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
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

// writeServiceError maps the query error taxonomy onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, action string) {
	status := http.StatusInternalServerError
	msg := "failed to " + action
	switch {
	case errors.Is(err, query.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, query.ErrNoData):
		status, msg = http.StatusNotFound, "no data available"
	case errors.Is(err, query.ErrUnavailable):
		status, msg = http.StatusServiceUnavailable, "heat pump cloud unavailable"
	case errors.Is(err, store.ErrStorage):
		msg = "storage error"
	}

	h.logger().Warn("request failed",
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	writeError(w, status, msg)
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// parseHours reads ?hours=N. A missing value is 0, which the service
// replaces with its default.
func parseHours(r *http.Request) (int, error) {
	s := r.URL.Query().Get("hours")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'hours' parameter %q (positive integer expected)", s)
	}
	return n, nil
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

// GetStatus handles GET /api/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Query.CurrentStatus(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "get status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetHistory handles GET /api/history
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	series, err := h.Query.History(r.Context(), hours)
	if err != nil {
		h.writeServiceError(w, r, err, "get history")
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// GetLocalHistory handles GET /api/local-history
func (h *Handlers) GetLocalHistory(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	series, err := h.Query.LocalHistory(r.Context(), hours)
	if err != nil {
		h.writeServiceError(w, r, err, "get local history")
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// GetEnergy handles GET /api/energy
func (h *Handlers) GetEnergy(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := h.Query.Energy(r.Context(), hours)
	if err != nil {
		h.writeServiceError(w, r, err, "get energy")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetDBStats handles GET /api/db-stats
func (h *Handlers) GetDBStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Query.DBStats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "get database stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type controlRequest struct {
	Code  string `json:"code"`
	Value any    `json:"value"`
}

// PostControl handles POST /api/control
func (h *Handlers) PostControl(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxControlBody)
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var value string
	switch v := req.Value.(type) {
	case string:
		value = v
	case float64:
		value = strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		value = "0"
		if v {
			value = "1"
		}
	default:
		writeError(w, http.StatusBadRequest, "'value' must be a string, number or boolean")
		return
	}

	if err := h.Query.Control(r.Context(), req.Code, value); err != nil {
		h.writeServiceError(w, r, err, "send control")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"code":   strings.TrimSpace(req.Code),
		"value":  strings.TrimSpace(value),
	})
}

// Health handles GET /api/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type dbHealth struct {
		Driver    string     `json:"driver"`
		Status    string     `json:"status"`
		Count     int64      `json:"count"`
		Oldest    *time.Time `json:"oldest,omitempty"`
		Newest    *time.Time `json:"newest,omitempty"`
		SizeBytes int64      `json:"size_bytes,omitempty"`
	}
	type healthResponse struct {
		Status    string            `json:"status"`
		Version   string            `json:"version"`
		Uptime    string            `json:"uptime"`
		Scheduler *collector.Status `json:"scheduler,omitempty"`
		Database  dbHealth          `json:"database"`
	}

	resp := healthResponse{
		Status:  "healthy",
		Version: h.Version,
		Uptime:  formatUptime(time.Since(h.StartTime)),
		Database: dbHealth{
			Driver: h.StorageDriver,
			Status: "ok",
		},
	}

	if h.Scheduler != nil {
		st := h.Scheduler.Status()
		resp.Scheduler = &st
	}

	if stats, err := h.Query.DBStats(r.Context()); err != nil {
		h.logger().Warn("health: database stats failed", "error", err)
		resp.Status = "degraded"
		resp.Database.Status = "error"
	} else {
		resp.Database.Count = stats.Count
		resp.Database.Oldest = stats.Oldest
		resp.Database.Newest = stats.Newest
		resp.Database.SizeBytes = stats.SizeBytes
	}

	writeJSON(w, http.StatusOK, resp)
}
