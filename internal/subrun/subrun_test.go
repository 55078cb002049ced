package subrun

import (
	"context"
	"testing"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

type recordingQueue struct{ enqueued []string }

func (q *recordingQueue) Enqueue(runID string) { q.enqueued = append(q.enqueued, runID) }

func newController(t *testing.T) (*Controller, *store.SQLiteStore, *recordingQueue) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	qm := quota.NewMemoryManager()
	bc := &pushbus.Broadcaster{Bus: pushbus.NewInMemoryBus()}
	q := &recordingQueue{}

	return &Controller{
		Store:       s,
		Quota:       qm,
		SM:          &statemachine.Manager{Quota: qm},
		Broadcaster: bc,
		Queue:       q,
	}, s, q
}

func seedRunningParent(t *testing.T, s *store.SQLiteStore, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	run := &domain.AgentRun{ID: id, WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunRunning, Channel: domain.ChannelAPI, CorrelationID: "corr-parent"}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSpawnSubrunCreatesChildAndMovesParentToWaiting(t *testing.T) {
	c, s, q := newController(t)
	ctx := context.Background()
	seedRunningParent(t, s, "parent-1")

	child, err := c.SpawnSubrun(ctx, "parent-1", "do the thing", SpawnOptions{JoinPolicy: domain.JoinWaitAll, FailurePolicy: domain.FailFast})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if child.Status != domain.RunPending {
		t.Fatalf("expected child PENDING, got %s", child.Status)
	}

	parent, err := s.GetRun(ctx, "parent-1")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.Status != domain.RunWaitingForSubrun {
		t.Fatalf("expected parent WAITING_FOR_SUBRUN, got %s", parent.Status)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != child.ID {
		t.Fatalf("expected child tick enqueued, got %v", q.enqueued)
	}
}

func TestSpawnSubrunRejectsTooManyPending(t *testing.T) {
	c, s, _ := newController(t)
	c.MaxPendingSubrunsPerParent = 1
	ctx := context.Background()
	seedRunningParent(t, s, "parent-2")

	if _, err := c.SpawnSubrun(ctx, "parent-2", "first", SpawnOptions{JoinPolicy: domain.JoinWaitAll, FailurePolicy: domain.FailFast}); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := c.SpawnSubrun(ctx, "parent-2", "second", SpawnOptions{JoinPolicy: domain.JoinWaitAll, FailurePolicy: domain.FailFast}); err == nil {
		t.Fatal("expected rejection on exceeding max pending subruns")
	}
}

func completeChild(t *testing.T, s *store.SQLiteStore, childID string, status domain.RunStatus) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	run, err := tx.LockRun(childID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	run.Status = status
	if err := tx.SaveRun(run); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCompleteSubrunWaitAllResumesParentWhenLastChildFinishes(t *testing.T) {
	c, s, q := newController(t)
	ctx := context.Background()
	seedRunningParent(t, s, "parent-3")

	child, err := c.SpawnSubrun(ctx, "parent-3", "work", SpawnOptions{JoinPolicy: domain.JoinWaitAll, FailurePolicy: domain.FailFast})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	completeChild(t, s, child.ID, domain.RunCompleted)

	if err := c.CompleteSubrun(ctx, child.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	parent, err := s.GetRun(ctx, "parent-3")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.Status != domain.RunRunning {
		t.Fatalf("expected parent resumed RUNNING, got %s", parent.Status)
	}
	found := false
	for _, id := range q.enqueued {
		if id == "parent-3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected parent tick enqueued, got %v", q.enqueued)
	}
}

func TestCompleteSubrunFailFastFailsParent(t *testing.T) {
	c, s, _ := newController(t)
	ctx := context.Background()
	seedRunningParent(t, s, "parent-4")

	child, err := c.SpawnSubrun(ctx, "parent-4", "work", SpawnOptions{JoinPolicy: domain.JoinWaitAll, FailurePolicy: domain.FailFast})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	completeChild(t, s, child.ID, domain.RunFailed)

	if err := c.CompleteSubrun(ctx, child.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	parent, err := s.GetRun(ctx, "parent-4")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.Status != domain.RunFailed {
		t.Fatalf("expected parent FAILED under FAIL_FAST, got %s", parent.Status)
	}
}
