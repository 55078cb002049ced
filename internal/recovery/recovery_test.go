package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

type recordingQueue struct{ enqueued []string }

func (q *recordingQueue) Enqueue(runID string) { q.enqueued = append(q.enqueued, runID) }

func newSweeper(t *testing.T) (*Sweeper, *store.SQLiteStore, *recordingQueue) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	qm := quota.NewMemoryManager()
	bc := &pushbus.Broadcaster{Bus: pushbus.NewInMemoryBus()}
	q := &recordingQueue{}

	return &Sweeper{
		Store:       s,
		SM:          &statemachine.Manager{Quota: qm},
		Broadcaster: bc,
		Queue:       q,
	}, s, q
}

func TestReclaimStaleLeasesClearsAndEnqueues(t *testing.T) {
	sw, s, q := newSweeper(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	run := &domain.AgentRun{ID: "run-1", WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunRunning, Channel: domain.ChannelAPI, LockedBy: "dead-worker", LockedAt: &past, LockExpiresAt: &past}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := sw.ReconcileWaitingParentsAndLeases(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.LockedBy != "" {
		t.Fatalf("expected lease cleared, got locked_by=%s", got.LockedBy)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "run-1" {
		t.Fatalf("expected run-1 enqueued, got %v", q.enqueued)
	}
}

func TestResumeWaitingParentsWithNoActiveChildren(t *testing.T) {
	sw, s, q := newSweeper(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	parent := &domain.AgentRun{ID: "parent-1", WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunWaitingForSubrun, Channel: domain.ChannelAPI}
	if err := tx.CreateRun(parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	parentID := "parent-1"
	child := &domain.AgentRun{ID: "child-1", WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunCompleted, Channel: domain.ChannelAPI, ParentRunID: &parentID}
	if err := tx.CreateRun(child); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := sw.ReconcileWaitingParentsAndLeases(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := s.GetRun(ctx, "parent-1")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if got.Status != domain.RunRunning {
		t.Fatalf("expected parent resumed RUNNING, got %s", got.Status)
	}
	found := false
	for _, id := range q.enqueued {
		if id == "parent-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected parent tick enqueued, got %v", q.enqueued)
	}
}

func TestCancelRunCascadesToChildren(t *testing.T) {
	sw, s, _ := newSweeper(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	parent := &domain.AgentRun{ID: "parent-2", WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunRunning, Channel: domain.ChannelAPI}
	if err := tx.CreateRun(parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	parentID := "parent-2"
	child := &domain.AgentRun{ID: "child-2", WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunRunning, Channel: domain.ChannelAPI, ParentRunID: &parentID}
	if err := tx.CreateRun(child); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := sw.CancelRun(ctx, "parent-2", "user requested cancel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	gotParent, err := s.GetRun(ctx, "parent-2")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if gotParent.Status != domain.RunCanceled {
		t.Fatalf("expected parent CANCELED, got %s", gotParent.Status)
	}
	gotChild, err := s.GetRun(ctx, "child-2")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if gotChild.Status != domain.RunCanceled {
		t.Fatalf("expected child cascaded to CANCELED, got %s", gotChild.Status)
	}
}
