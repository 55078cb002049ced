package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/journal"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/rbac"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
	"github.com/agentmaestro/agentmaestro/internal/subrun"
	"github.com/agentmaestro/agentmaestro/internal/toolflow"
)

type recordingTicker struct{ enqueued []string }

func (t *recordingTicker) Enqueue(runID string) { t.enqueued = append(t.enqueued, runID) }

type fakeRunner struct{}

func (fakeRunner) Execute(ctx context.Context, req toolflow.ToolRunnerRequest) (*toolflow.ToolRunnerResponse, error) {
	return &toolflow.ToolRunnerResponse{RequestID: req.RequestID, Status: "COMPLETED"}, nil
}

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore, *recordingTicker) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	qm := quota.NewMemoryManager()
	bc := &pushbus.Broadcaster{Bus: pushbus.NewInMemoryBus()}
	sm := &statemachine.Manager{Quota: qm}
	ticker := &recordingTicker{}

	srv := &Server{
		Store:       s,
		Quota:       qm,
		SM:          sm,
		Broadcaster: bc,
		Subrun: &subrun.Controller{
			Store: s, Quota: qm, SM: sm, Broadcaster: bc, Queue: ticker,
			MaxPendingSubrunsPerParent: 4,
		},
		ToolFlow: &toolflow.Controller{
			Store: s, Quota: qm, SM: sm, Broadcaster: bc, Runner: fakeRunner{},
		},
		Ticker: ticker,
	}
	return srv, s, ticker
}

func withIdentity(r *http.Request, identity rbac.Identity) *http.Request {
	return r.WithContext(rbac.WithIdentity(r.Context(), identity))
}

func TestHandleCreateRun(t *testing.T) {
	srv, s, ticker := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	body, _ := json.Marshal(createRunRequest{WorkspaceID: "ws-1", AgentID: "agent-1", InputText: "do the thing"})
	req := httptest.NewRequest(http.MethodPost, "/api/runs/", bytes.NewReader(body))
	req = withIdentity(req, rbac.Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: domain.RoleOperator})
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(domain.RunPending) {
		t.Fatalf("expected PENDING, got %s", resp.Status)
	}

	run, err := s.GetRun(context.Background(), resp.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected workspace on stored run: %s", run.WorkspaceID)
	}
	if len(ticker.enqueued) != 1 || ticker.enqueued[0] != resp.RunID {
		t.Fatalf("expected run enqueued for tick, got %v", ticker.enqueued)
	}
}

func TestHandleCreateRunRejectsForeignWorkspace(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)

	body, _ := json.Marshal(createRunRequest{WorkspaceID: "ws-2", AgentID: "agent-1", InputText: "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/runs/", bytes.NewReader(body))
	req = withIdentity(req, rbac.Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: domain.RoleOwner})
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleApproveToolCall(t *testing.T) {
	srv, s, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)
	ctx := context.Background()

	run := &domain.AgentRun{WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunRunning, Channel: domain.ChannelAPI, CorrelationID: "corr-1"}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tc, err := srv.ToolFlow.RequestToolCallApproval(ctx, run.ID, "shell", map[string]any{"cmd": "ls"}, true)
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/toolcalls/"+tc.ID+"/approve/", nil)
	req = withIdentity(req, rbac.Identity{UserID: "owner-1", WorkspaceID: "ws-1", Role: domain.RoleOwner})
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp approveToolCallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(domain.ToolCallApproved) {
		t.Fatalf("expected APPROVED, got %s", resp.Status)
	}
}

func TestHandleApproveToolCallRejectsViewer(t *testing.T) {
	srv, s, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)
	ctx := context.Background()

	run := &domain.AgentRun{WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunRunning, Channel: domain.ChannelAPI, CorrelationID: "corr-2"}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	tc, err := srv.ToolFlow.RequestToolCallApproval(ctx, run.ID, "shell", nil, true)
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/toolcalls/"+tc.ID+"/approve/", nil)
	req = withIdentity(req, rbac.Identity{UserID: "viewer-1", WorkspaceID: "ws-1", Role: domain.RoleViewer})
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSnapshot(t *testing.T) {
	srv, s, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)
	ctx := context.Background()

	run := &domain.AgentRun{WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunPending, Channel: domain.ChannelAPI, CorrelationID: "corr-3"}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := journal.AppendEvent(tx, srv.Broadcaster, run.ID, "run_created", map[string]any{}, run.CorrelationID, journal.BroadcastOpts{}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/snapshot/?since_seq=0", nil)
	req = withIdentity(req, rbac.Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: domain.RoleViewer})
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSnapshotRejectsBadSinceSeq(t *testing.T) {
	srv, s, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)
	ctx := context.Background()

	run := &domain.AgentRun{WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunPending, Channel: domain.ChannelAPI}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/snapshot/?since_seq=nope", nil)
	req = withIdentity(req, rbac.Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: domain.RoleViewer})
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}
