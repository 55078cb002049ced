package ticker

import (
	"context"
	"testing"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

func newExecutor(t *testing.T) (*Executor, *store.SQLiteStore) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	qm := quota.NewMemoryManager()
	bc := &pushbus.Broadcaster{Bus: pushbus.NewInMemoryBus()}

	return &Executor{
		Store:               s,
		Quota:               qm,
		SM:                  &statemachine.Manager{Quota: qm},
		Broadcaster:         bc,
		WorkerID:            "worker-1",
		LeaseSeconds:        20,
		RetryBackoffSeconds: 5,
	}, s
}

func seedPendingRun(t *testing.T, s *store.SQLiteStore, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	run := &domain.AgentRun{ID: id, WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunPending, Channel: domain.ChannelAPI, CorrelationID: "corr-1"}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestTickPendingAdvancesToRunning(t *testing.T) {
	ex, s := newExecutor(t)
	ctx := context.Background()
	seedPendingRun(t, s, "run-1")

	if err := ex.Tick(ctx, "run-1"); err != nil {
		t.Fatalf("tick: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunRunning {
		t.Fatalf("expected RUNNING, got %s", run.Status)
	}
	if run.CurrentStepIndex != 1 {
		t.Fatalf("expected cursor 1, got %d", run.CurrentStepIndex)
	}
	if run.LockedBy != "" {
		t.Fatalf("expected lease released, got locked_by=%s", run.LockedBy)
	}
}

func TestTickRunningAdvancesToCompleted(t *testing.T) {
	ex, s := newExecutor(t)
	ctx := context.Background()
	seedPendingRun(t, s, "run-2")
	if err := ex.Tick(ctx, "run-2"); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if err := ex.Tick(ctx, "run-2"); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	run, err := s.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected COMPLETED, got %s", run.Status)
	}
	if run.CurrentStepIndex != 2 {
		t.Fatalf("expected cursor 2, got %d", run.CurrentStepIndex)
	}
}

func TestTickIsNoopAfterCompletion(t *testing.T) {
	ex, s := newExecutor(t)
	ctx := context.Background()
	seedPendingRun(t, s, "run-3")
	if err := ex.Tick(ctx, "run-3"); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	// The second tick consumes the RUNNING step and completes the run; a
	// third tick finds a terminal status and dispatches nothing.
	if err := ex.Tick(ctx, "run-3"); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if err := ex.Tick(ctx, "run-3"); err != nil {
		t.Fatalf("tick 3 on terminal run: %v", err)
	}
	run, err := s.GetRun(ctx, "run-3")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected COMPLETED after idempotent re-ticks, got %s", run.Status)
	}
}

func TestTickNoopsOnCanceledRun(t *testing.T) {
	ex, s := newExecutor(t)
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	run := &domain.AgentRun{ID: "run-4", WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunCanceled, Channel: domain.ChannelAPI}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := ex.Tick(ctx, "run-4"); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, err := s.GetRun(ctx, "run-4")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunCanceled {
		t.Fatalf("expected CANCELED unchanged, got %s", got.Status)
	}
}
