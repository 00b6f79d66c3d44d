package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/orchestrator"
	"github.com/djlord-it/easy-grid/internal/recovery"
	"github.com/djlord-it/easy-grid/internal/store/postgres"
)

type mockOrchestrator struct {
	snapshot orchestrator.Snapshot
	err      error
}

func (m *mockOrchestrator) Snapshot(context.Context) (orchestrator.Snapshot, error) {
	return m.snapshot, m.err
}

type mockSessions struct {
	infos []domain.SessionInfo
}

func (m *mockSessions) Sessions() []domain.SessionInfo { return m.infos }

type mockCircuits struct {
	snap []recovery.TargetSnapshot
}

func (m *mockCircuits) Snapshot() []recovery.TargetSnapshot { return m.snap }

type mockArchive struct {
	results  []postgres.ArchivedResult
	listErr  error
	pingErr  error
	lastName string
}

func (m *mockArchive) ListResults(_ context.Context, name string, limit, offset int) ([]postgres.ArchivedResult, error) {
	m.lastName = name
	if m.listErr != nil {
		return nil, m.listErr
	}
	if offset >= len(m.results) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.results) {
		end = len(m.results)
	}
	return m.results[offset:end], nil
}

func (m *mockArchive) Ping(context.Context) error { return m.pingErr }

func newTestHandler() (*Handler, *mockOrchestrator, *mockSessions, *mockCircuits) {
	orch := &mockOrchestrator{}
	sessions := &mockSessions{}
	circuits := &mockCircuits{}
	return NewHandler(orch, sessions, circuits), orch, sessions, circuits
}

func record(name string, status domain.ExecutionStatus, createdAt time.Time) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		ID:        uuid.New(),
		Name:      name,
		Priority:  domain.PriorityStandard,
		Status:    status,
		CreatedAt: createdAt,
	}
}

func doRequest(t *testing.T, h *Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthBasic(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.Components != nil {
		t.Errorf("expected no components without verbose, got %v", resp.Components)
	}
}

func TestHealthVerboseDegraded(t *testing.T) {
	h, _, _, _ := newTestHandler()
	h.WithArchive(&mockArchive{pingErr: errors.New("connection refused")})

	rec := doRequest(t, h, http.MethodGet, "/health?verbose=true")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected status degraded, got %q", resp.Status)
	}
	if resp.Components["orchestrator"] != "healthy" {
		t.Errorf("expected healthy orchestrator, got %q", resp.Components["orchestrator"])
	}
	if resp.Components["database"] == "healthy" {
		t.Error("expected unhealthy database component")
	}
}

func TestHealthVerboseHealthy(t *testing.T) {
	h, _, _, _ := newTestHandler()
	h.WithArchive(&mockArchive{})

	rec := doRequest(t, h, http.MethodGet, "/health?verbose=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Components["database"] != "healthy" {
		t.Errorf("expected healthy database, got %q", resp.Components["database"])
	}
}

func TestListExecutions(t *testing.T) {
	h, orch, _, _ := newTestHandler()
	now := time.Now().UTC()
	orch.snapshot = orchestrator.Snapshot{
		Records: []domain.ExecutionRecord{
			record("older", domain.ExecutionStatusSucceeded, now.Add(-time.Minute)),
			record("newer", domain.ExecutionStatusRunning, now),
		},
		QueuedStd:     1,
		InFlight:      1,
		ActiveWorkers: 2,
	}

	rec := doRequest(t, h, http.MethodGet, "/executions")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ExecutionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(resp.Executions))
	}
	if resp.Executions[0].Name != "newer" {
		t.Errorf("expected newest first, got %q", resp.Executions[0].Name)
	}
	if resp.InFlight != 1 || resp.Workers != 2 {
		t.Errorf("unexpected counters: in_flight=%d workers=%d", resp.InFlight, resp.Workers)
	}
}

func TestListExecutionsStatusFilter(t *testing.T) {
	h, orch, _, _ := newTestHandler()
	now := time.Now().UTC()
	orch.snapshot = orchestrator.Snapshot{
		Records: []domain.ExecutionRecord{
			record("a", domain.ExecutionStatusQueued, now),
			record("b", domain.ExecutionStatusRunning, now),
			record("c", domain.ExecutionStatusQueued, now),
		},
	}

	rec := doRequest(t, h, http.MethodGet, "/executions?status=queued")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ExecutionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Executions) != 2 {
		t.Fatalf("expected 2 queued executions, got %d", len(resp.Executions))
	}
	for _, e := range resp.Executions {
		if e.Status != string(domain.ExecutionStatusQueued) {
			t.Errorf("unexpected status %q in filtered listing", e.Status)
		}
	}
}

func TestListExecutionsOrchestratorDown(t *testing.T) {
	h, orch, _, _ := newTestHandler()
	orch.err = errors.New("stopped")

	rec := doRequest(t, h, http.MethodGet, "/executions")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestListExecutionsBadPagination(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(t, h, http.MethodGet, "/executions?limit=5000")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected error message in response")
	}
}

func TestListArchive(t *testing.T) {
	h, _, _, _ := newTestHandler()
	archive := &mockArchive{
		results: []postgres.ArchivedResult{
			{ExecutionID: uuid.NewString(), Name: "load-test", Status: "succeeded"},
			{ExecutionID: uuid.NewString(), Name: "load-test", Status: "failed"},
		},
	}
	h.WithArchive(archive)

	rec := doRequest(t, h, http.MethodGet, "/executions/archive?name=load-test&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if archive.lastName != "load-test" {
		t.Errorf("expected name filter to reach store, got %q", archive.lastName)
	}

	var resp ArchiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 archived results, got %d", len(resp.Results))
	}
}

func TestListArchiveNotConfigured(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(t, h, http.MethodGet, "/executions/archive")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	h, _, sessions, _ := newTestHandler()
	now := time.Now().UTC()
	sessions.infos = []domain.SessionInfo{
		{SessionID: uuid.New(), Identity: "worker-1", State: domain.SessionStateReady, Worker: true, Slots: 4, ConnectedAt: now},
		{SessionID: uuid.New(), Identity: "ci", State: domain.SessionStateReady, ConnectedAt: now.Add(-time.Minute)},
	}

	rec := doRequest(t, h, http.MethodGet, "/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string][]SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	out := resp["sessions"]
	if len(out) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(out))
	}
	if out[0].Identity != "ci" {
		t.Errorf("expected oldest connection first, got %q", out[0].Identity)
	}
	if !out[1].Worker || out[1].Slots != 4 {
		t.Errorf("worker session not reported: %+v", out[1])
	}
}

func TestListCircuits(t *testing.T) {
	h, _, _, circuits := newTestHandler()
	circuits.snap = []recovery.TargetSnapshot{
		{Target: "worker-b", State: "open", FailureCount: 5},
		{Target: "worker-a", State: "closed"},
	}

	rec := doRequest(t, h, http.MethodGet, "/circuits")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string][]recovery.TargetSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	out := resp["circuits"]
	if len(out) != 2 {
		t.Fatalf("expected 2 circuits, got %d", len(out))
	}
	if out[0].Target != "worker-a" {
		t.Errorf("expected circuits sorted by target, got %q first", out[0].Target)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(t, h, http.MethodPost, "/executions")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestUnknownPath(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(t, h, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestParsePaginationDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/executions", nil)

	limit, offset, err := parsePagination(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, limit)
	}
	if offset != 0 {
		t.Errorf("expected default offset 0, got %d", offset)
	}
}

func TestParsePaginationRejectsBadValues(t *testing.T) {
	for _, target := range []string{
		"/executions?limit=0",
		"/executions?limit=-1",
		"/executions?limit=2000",
		"/executions?limit=abc",
		"/executions?offset=-1",
		"/executions?offset=x",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if _, _, err := parsePagination(req); err == nil {
			t.Errorf("expected error for %q, got nil", target)
		}
	}
}
