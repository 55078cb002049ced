package toolflow

import (
	"context"
	"testing"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

type fakeRunner struct {
	resp *ToolRunnerResponse
	err  error
}

func (f *fakeRunner) Execute(ctx context.Context, req ToolRunnerRequest) (*ToolRunnerResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newController(t *testing.T, runner ToolRunner) (*Controller, *store.SQLiteStore) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	qm := quota.NewMemoryManager()
	bc := &pushbus.Broadcaster{Bus: pushbus.NewInMemoryBus()}

	return &Controller{
		Store:          s,
		Quota:          qm,
		SM:             &statemachine.Manager{Quota: qm},
		Broadcaster:    bc,
		Runner:         runner,
		TimeoutSeconds: 30,
		MaxOutputBytes: 65536,
	}, s
}

func seedRun(t *testing.T, s *store.SQLiteStore, id string, status domain.RunStatus) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	run := &domain.AgentRun{ID: id, WorkspaceID: "ws-1", AgentID: "agent-1", Status: status, Channel: domain.ChannelAPI, CorrelationID: "corr-1"}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedToolDef(t *testing.T, s *store.SQLiteStore, workspaceID, name string) {
	t.Helper()
	ctx := context.Background()
	def := &domain.ToolDefinition{WorkspaceID: workspaceID, Name: name, Enabled: true, DefaultRiskLevel: "low"}
	if err := s.UpsertToolDefinition(ctx, def); err != nil {
		t.Fatalf("upsert tool def: %v", err)
	}
}

func TestRequestToolCallApprovalRequiresApproval(t *testing.T) {
	c, s := newController(t, nil)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.RunRunning)

	tc, err := c.RequestToolCallApproval(ctx, "run-1", "shell", map[string]any{"cmd": "ls"}, true)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if tc.Status != domain.ToolCallPending {
		t.Fatalf("expected PENDING, got %s", tc.Status)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunWaitingForApproval {
		t.Fatalf("expected WAITING_FOR_APPROVAL, got %s", run.Status)
	}
}

func TestRequestToolCallApprovalSkipsApproval(t *testing.T) {
	c, s := newController(t, nil)
	ctx := context.Background()
	seedRun(t, s, "run-2", domain.RunRunning)

	tc, err := c.RequestToolCallApproval(ctx, "run-2", "shell", map[string]any{"cmd": "ls"}, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if tc.Status != domain.ToolCallApproved {
		t.Fatalf("expected APPROVED, got %s", tc.Status)
	}

	run, err := s.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunRunning {
		t.Fatalf("expected run to remain RUNNING, got %s", run.Status)
	}
}

func TestApproveToolCallRejectsViewerRole(t *testing.T) {
	c, s := newController(t, nil)
	ctx := context.Background()
	seedRun(t, s, "run-3", domain.RunRunning)
	tc, err := c.RequestToolCallApproval(ctx, "run-3", "shell", map[string]any{}, true)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := c.ApproveToolCall(ctx, tc.ID, "user-1", domain.RoleViewer); err == nil {
		t.Fatal("expected permission error for viewer role")
	}
}

func TestApproveToolCallTransitionsRunToRunning(t *testing.T) {
	c, s := newController(t, nil)
	ctx := context.Background()
	seedRun(t, s, "run-4", domain.RunRunning)
	tc, err := c.RequestToolCallApproval(ctx, "run-4", "shell", map[string]any{}, true)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	approved, err := c.ApproveToolCall(ctx, tc.ID, "user-1", domain.RoleOperator)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.ToolCallApproved {
		t.Fatalf("expected APPROVED, got %s", approved.Status)
	}

	run, err := s.GetRun(ctx, "run-4")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunRunning {
		t.Fatalf("expected RUNNING, got %s", run.Status)
	}
}

func TestExecuteToolCallStampsSucceeded(t *testing.T) {
	exitCode := 0
	runner := &fakeRunner{resp: &ToolRunnerResponse{Status: "COMPLETED", ExitCode: &exitCode, Stdout: "ok"}}
	c, s := newController(t, runner)
	ctx := context.Background()
	seedRun(t, s, "run-5", domain.RunRunning)
	seedToolDef(t, s, "ws-1", "shell")

	tc, err := c.RequestToolCallApproval(ctx, "run-5", "shell", map[string]any{}, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	result, err := c.ExecuteToolCall(ctx, tc.ID, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != domain.ToolCallSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if result.Stdout != "ok" {
		t.Fatalf("expected stdout 'ok', got %q", result.Stdout)
	}
}

func TestExecuteToolCallStampsFailedOnTransportError(t *testing.T) {
	runner := &fakeRunner{err: context.DeadlineExceeded}
	c, s := newController(t, runner)
	ctx := context.Background()
	seedRun(t, s, "run-6", domain.RunRunning)
	seedToolDef(t, s, "ws-1", "shell")

	tc, err := c.RequestToolCallApproval(ctx, "run-6", "shell", map[string]any{}, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	result, err := c.ExecuteToolCall(ctx, tc.ID, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != domain.ToolCallFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
}
