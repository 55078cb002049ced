// Package recovery implements Recovery (C9): the periodic sweep that
// reclaims stale worker leases, resumes parents whose children have all
// gone terminal, and the cooperative cancel_run operation (including its
// cascade to non-terminal children). Grounded on original_source's
// runs/services/recovery.py.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/journal"
	"github.com/agentmaestro/agentmaestro/internal/metrics"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

// Queue is the tick-enqueue seam, the same shape as ticker.Queue and
// subrun.TickQueue, declared locally to avoid importing ticker.
type Queue interface {
	Enqueue(runID string)
}

// TaskRevoker cancels the external task (e.g. a tool-runner job or LLM
// request) tracked by a run's LockedTaskID. Out of scope per spec's
// Non-goals beyond this wire contract: the concrete revocation call is
// supplied by whatever owns that external system.
type TaskRevoker interface {
	Revoke(ctx context.Context, taskID string) error
}

// SubrunNotifier is the CompleteSubrun seam, injected to avoid a
// recovery<->subrun import cycle (subrun.Controller satisfies this).
type SubrunNotifier interface {
	CompleteSubrun(ctx context.Context, childRunID string) error
}

// Sweeper runs the periodic reconciliation pass.
type Sweeper struct {
	Store       store.Store
	SM          *statemachine.Manager
	Broadcaster journal.Broadcaster
	Queue       Queue
	Revoker     TaskRevoker
	Notifier    SubrunNotifier
	Logger      *zap.Logger

	now func() time.Time
}

func (s *Sweeper) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// ReconcileWaitingParentsAndLeases performs both sweeps in one pass, per
// spec's combined "reconcile_waiting_parents_and_leases" sweep.
func (s *Sweeper) ReconcileWaitingParentsAndLeases(ctx context.Context) error {
	if err := s.reclaimStaleLeases(ctx); err != nil {
		return err
	}
	return s.resumeWaitingParents(ctx)
}

func (s *Sweeper) reclaimStaleLeases(ctx context.Context) error {
	runs, err := s.Store.ListRunsWithExpiredLease(ctx, s.clock())
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := s.clearLease(ctx, run.ID); err != nil {
			s.logger().Warn("clear stale lease failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		metrics.StaleLeasesReclaimedTotal.Inc()
		if s.Queue != nil {
			s.Queue.Enqueue(run.ID)
		}
	}
	return nil
}

func (s *Sweeper) clearLease(ctx context.Context, runID string) error {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}
	run, err := tx.LockRun(runID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	run.LockedBy = ""
	run.LockedAt = nil
	run.LockExpiresAt = nil
	if err := tx.SaveRun(run); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Sweeper) resumeWaitingParents(ctx context.Context) error {
	parents, err := s.Store.ListWaitingParentsWithNoActiveChildren(ctx)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		if err := s.resumeParent(ctx, parent.ID); err != nil {
			s.logger().Warn("resume waiting parent failed", zap.String("run_id", parent.ID), zap.Error(err))
			continue
		}
		if s.Queue != nil {
			s.Queue.Enqueue(parent.ID)
		}
	}
	return nil
}

func (s *Sweeper) resumeParent(ctx context.Context, runID string) error {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.SM.Transition(ctx, tx, s.Broadcaster, runID, domain.RunRunning); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CancelRun implements cancel_run(run, reason): sets cancel_requested,
// clears any external task id, transitions CANCELED, revokes the external
// task, cascades cancellation to non-terminal children without notifying
// this run (already terminal), and if this run itself has a parent,
// notifies it to drive the parent's join/failure policy.
func (s *Sweeper) CancelRun(ctx context.Context, runID, reason string) error {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}

	run, err := tx.LockRun(runID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if run.Status.IsTerminal() {
		return tx.Commit()
	}

	taskID := run.LockedTaskID
	run.CancelRequested = true
	run.LockedTaskID = ""
	run.ErrorSummary = reason
	if err := tx.SaveRun(run); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.SM.Transition(ctx, tx, s.Broadcaster, runID, domain.RunCanceled); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := journal.AppendEvent(tx, s.Broadcaster, runID, "run_cancelled", map[string]any{"reason": reason}, run.CorrelationID, journal.BroadcastOpts{}); err != nil {
		_ = tx.Rollback()
		return err
	}

	children, err := tx.ListChildRuns(runID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if taskID != "" && s.Revoker != nil {
		if err := s.Revoker.Revoke(ctx, taskID); err != nil {
			s.logger().Warn("revoke external task failed", zap.String("run_id", runID), zap.String("task_id", taskID), zap.Error(err))
		}
	}

	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if err := s.cancelChildNoNotify(ctx, child.ID, "parent run cancelled"); err != nil {
			s.logger().Warn("cancel child failed", zap.String("run_id", child.ID), zap.Error(err))
		}
	}

	if run.ParentRunID != nil {
		return s.notifyParentChildCancelled(ctx, runID)
	}
	return nil
}

func (s *Sweeper) cancelChildNoNotify(ctx context.Context, childID, reason string) error {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}
	run, err := tx.LockRun(childID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if run.Status.IsTerminal() {
		return tx.Commit()
	}
	run.CancelRequested = true
	run.ErrorSummary = reason
	if err := tx.SaveRun(run); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.SM.Transition(ctx, tx, s.Broadcaster, childID, domain.RunCanceled); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	children, err := s.Store.ListChildRuns(ctx, childID)
	if err != nil {
		return err
	}
	for _, grandchild := range children {
		if grandchild.Status.IsTerminal() {
			continue
		}
		if err := s.cancelChildNoNotify(ctx, grandchild.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

// notifyParentChildCancelled re-evaluates the parent's join/failure policy
// for the now-canceled child.
func (s *Sweeper) notifyParentChildCancelled(ctx context.Context, childRunID string) error {
	if s.Notifier == nil {
		return nil
	}
	return s.Notifier.CompleteSubrun(ctx, childRunID)
}
