// Package api exposes the read-only monitoring endpoints: health, live
// executions, sessions and circuit state. All mutation happens over the
// websocket protocol.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/orchestrator"
	"github.com/djlord-it/easy-grid/internal/recovery"
	"github.com/djlord-it/easy-grid/internal/store/postgres"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// OrchestratorView reads live execution state.
type OrchestratorView interface {
	Snapshot(ctx context.Context) (orchestrator.Snapshot, error)
}

// SessionLister reads live session state.
type SessionLister interface {
	Sessions() []domain.SessionInfo
}

// CircuitViewer reads per-target circuit state.
type CircuitViewer interface {
	Snapshot() []recovery.TargetSnapshot
}

// ResultsStore reads the execution archive.
type ResultsStore interface {
	ListResults(ctx context.Context, name string, limit, offset int) ([]postgres.ArchivedResult, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	orch     OrchestratorView
	sessions SessionLister
	circuits CircuitViewer
	archive  ResultsStore // optional, nil = no archive endpoints
}

func NewHandler(orch OrchestratorView, sessions SessionLister, circuits CircuitViewer) *Handler {
	return &Handler{orch: orch, sessions: sessions, circuits: circuits}
}

// WithArchive enables the archive listing endpoint and verbose database
// health.
func (h *Handler) WithArchive(archive ResultsStore) *Handler {
	h.archive = archive
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch r.URL.Path {
	case "/health":
		h.health(w, r)
	case "/executions":
		h.listExecutions(w, r)
	case "/executions/archive":
		h.listArchive(w, r)
	case "/sessions":
		h.listSessions(w, r)
	case "/circuits":
		h.listCircuits(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if _, err := h.orch.Snapshot(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["orchestrator"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["orchestrator"] = "healthy"
	}

	if h.archive != nil {
		if err := h.archive.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// ExecutionResponse is one live execution record.
type ExecutionResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Tags      []string  `json:"tags,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// ExecutionsResponse is the /executions payload.
type ExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
	QueuedHigh int                 `json:"queued_high"`
	QueuedStd  int                 `json:"queued_standard"`
	InFlight   int                 `json:"in_flight"`
	Workers    int                 `json:"workers"`
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pagination: "+err.Error())
		return
	}
	statusFilter := r.URL.Query().Get("status")

	snap, err := h.orch.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}

	records := snap.Records
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	resp := ExecutionsResponse{
		Executions: []ExecutionResponse{},
		QueuedHigh: snap.QueuedHigh,
		QueuedStd:  snap.QueuedStd,
		InFlight:   snap.InFlight,
		Workers:    snap.ActiveWorkers,
	}

	matched := 0
	for _, rec := range records {
		if statusFilter != "" && string(rec.Status) != statusFilter {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		if len(resp.Executions) >= limit {
			break
		}
		er := ExecutionResponse{
			ID:        rec.ID.String(),
			Name:      rec.Name,
			Priority:  string(rec.Priority),
			Status:    string(rec.Status),
			Attempt:   rec.Attempt,
			Tags:      rec.Tags,
			CreatedAt: rec.CreatedAt,
			StartedAt: rec.StartedAt,
			EndedAt:   rec.EndedAt,
		}
		if rec.Error != nil {
			er.Error = rec.Error.Message
			er.ErrorKind = string(rec.Error.Kind)
		}
		resp.Executions = append(resp.Executions, er)
	}

	writeJSON(w, http.StatusOK, resp)
}

// ArchiveResponse is the /executions/archive payload.
type ArchiveResponse struct {
	Results []postgres.ArchivedResult `json:"results"`
}

func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pagination: "+err.Error())
		return
	}

	results, err := h.archive.ListResults(r.Context(), r.URL.Query().Get("name"), limit, offset)
	if err != nil {
		log.Printf("api: archive list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	if results == nil {
		results = []postgres.ArchivedResult{}
	}
	writeJSON(w, http.StatusOK, ArchiveResponse{Results: results})
}

// SessionResponse is one live session.
type SessionResponse struct {
	SessionID      string    `json:"session_id"`
	Identity       string    `json:"identity"`
	State          string    `json:"state"`
	Worker         bool      `json:"worker"`
	Slots          int       `json:"slots,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastLivenessAt time.Time `json:"last_liveness_at"`
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	infos := h.sessions.Sessions()
	out := make([]SessionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionResponse{
			SessionID:      info.SessionID.String(),
			Identity:       info.Identity,
			State:          string(info.State),
			Worker:         info.Worker,
			Slots:          info.Slots,
			ConnectedAt:    info.ConnectedAt,
			LastLivenessAt: info.LastLivenessAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	writeJSON(w, http.StatusOK, map[string][]SessionResponse{"sessions": out})
}

func (h *Handler) listCircuits(w http.ResponseWriter, _ *http.Request) {
	snap := h.circuits.Snapshot()
	if snap == nil {
		snap = []recovery.TargetSnapshot{}
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Target < snap[j].Target })
	writeJSON(w, http.StatusOK, map[string][]recovery.TargetSnapshot{"circuits": snap})
}

// ErrorResponse is the error payload for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid limit: %w", err)
		}
		if limit <= 0 {
			return 0, 0, fmt.Errorf("limit must be positive")
		}
		if limit > MaxLimit {
			return 0, 0, fmt.Errorf("limit exceeds maximum of %d", MaxLimit)
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid offset: %w", err)
		}
		if offset < 0 {
			return 0, 0, fmt.Errorf("offset must not be negative")
		}
	}

	return limit, offset, nil
}
