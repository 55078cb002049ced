// Package ticker implements the Lease + Tick Executor (C6): tick(run_id)
// claims a worker lease under the run's row lock, admits against the
// RUN_TICK quota, and dispatches one step of work based on the run's
// current status. Grounded on original_source's runs/services/ticker.py
// for the claim/admit/dispatch/release algorithm and cursor guards; the
// scheduler loop and retry backoff follow the host's
// internal/controlplane/jobs/scheduler.go and jobs/retry.go shape.
package ticker

import (
	"context"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/journal"
	"github.com/agentmaestro/agentmaestro/internal/metrics"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
	"github.com/agentmaestro/agentmaestro/internal/telemetry"
)

// Queue is the shared task queue tick(run_id) entries are drawn from.
// Spawned here so subrun and recovery can enqueue follow-up ticks without
// importing the concrete scheduler.
type Queue interface {
	Enqueue(runID string)
}

// SubrunCompleter drives the Subrun Controller's complete_subrun(child)
// when a RUNNING run with a parent finishes its last step. Implemented by
// internal/subrun and injected here to avoid a ticker<->subrun import cycle.
type SubrunCompleter interface {
	CompleteSubrun(ctx context.Context, childRunID string) error
}

// Executor runs one tick under the run's row lock.
type Executor struct {
	Store       store.Store
	Quota       quota.Manager
	SM          *statemachine.Manager
	Broadcaster journal.Broadcaster
	Subrun      SubrunCompleter

	WorkerID            string
	LeaseSeconds         int
	RetryBackoffSeconds int
	QuotaBypass          bool

	now func() time.Time
}

func (e *Executor) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now().UTC()
}

func isCursorAtExpected(status domain.RunStatus, cursor int) bool {
	switch status {
	case domain.RunPending:
		return cursor == 0
	case domain.RunRunning:
		return cursor == 1
	default:
		return true
	}
}

func leaseExpired(run *domain.AgentRun, now time.Time) bool {
	if run.LockedBy == "" {
		return true
	}
	if run.LockExpiresAt != nil && !run.LockExpiresAt.After(now) {
		return true
	}
	return false
}

// Tick is the scheduler entry point. Returns *errs.Locked for transient
// contention/quota-overflow conditions the caller should retry with
// backoff. Any other failure while advancing the run goes through failRun,
// which marks the run FAILED and returns *errs.PermanentRunError; if
// marking it FAILED fails too, the original error is returned and the run
// is not marked. Errors from beginning or committing the tick's own
// transaction are returned without marking the run.
func (e *Executor) Tick(ctx context.Context, runID string) error {
	ctx, span := telemetry.StartTickSpan(ctx, runID)
	start := e.clock()
	action := "dispatched"
	defer func() {
		metrics.RecordTick(action, e.clock().Sub(start))
		telemetry.EndTickSpan(span, action)
	}()

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		action = "error"
		return err
	}

	run, err := e.claimAndDispatch(ctx, tx, runID)
	if err != nil {
		_ = tx.Rollback()
		if errs.IsLocked(err) {
			action = "locked"
			metrics.LeaseContentionTotal.Inc()
			return err
		}
		action = "failed"
		return e.failRun(ctx, runID, err)
	}
	if err := tx.Commit(); err != nil {
		action = "error"
		return err
	}
	_ = run
	return nil
}

func (e *Executor) claimAndDispatch(ctx context.Context, tx store.Tx, runID string) (*domain.AgentRun, error) {
	run, err := tx.LockRun(runID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	if run.LockedBy != "" && run.LockedBy != e.WorkerID && !leaseExpired(run, now) {
		return nil, errs.NewLocked("run %s is leased by %s", runID, run.LockedBy)
	}

	leaseSeconds := e.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 20
	}
	run.LockedBy = e.WorkerID
	run.LockedAt = &now
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)
	run.LockExpiresAt = &expires
	if err := tx.SaveRun(run); err != nil {
		return nil, err
	}

	if err := e.Quota.CheckRate(ctx, quota.RunTick, run.WorkspaceID, e.QuotaBypass); err != nil {
		return nil, errs.NewLocked("run_tick quota exhausted for workspace %s", run.WorkspaceID)
	}

	if err := e.dispatch(ctx, tx, run); err != nil {
		return nil, err
	}

	return e.releaseLease(tx, run)
}

func (e *Executor) dispatch(ctx context.Context, tx store.Tx, run *domain.AgentRun) error {
	switch run.Status {
	case domain.RunCanceled, domain.RunCompleted, domain.RunFailed, domain.RunPaused:
		return nil
	case domain.RunWaitingForApproval, domain.RunWaitingForSubrun:
		return nil
	case domain.RunPending:
		if !isCursorAtExpected(run.Status, run.CurrentStepIndex) {
			return nil
		}
		if err := e.SM.Transition(ctx, tx, e.Broadcaster, run.ID, domain.RunRunning); err != nil {
			return err
		}
		if _, err := journal.AppendStep(tx, run.ID, domain.StepModelCall, map[string]any{}, run.CorrelationID); err != nil {
			return err
		}
		_, err := journal.AppendEvent(tx, e.Broadcaster, run.ID, "step_created", map[string]any{"kind": string(domain.StepModelCall)}, run.CorrelationID, journal.BroadcastOpts{})
		return err
	case domain.RunRunning:
		if !isCursorAtExpected(run.Status, run.CurrentStepIndex) {
			return nil
		}
		if _, err := journal.AppendStep(tx, run.ID, domain.StepObservation, map[string]any{}, run.CorrelationID); err != nil {
			return err
		}
		if _, err := journal.AppendEvent(tx, e.Broadcaster, run.ID, "step_created", map[string]any{"kind": string(domain.StepObservation)}, run.CorrelationID, journal.BroadcastOpts{}); err != nil {
			return err
		}
		if err := e.SM.Transition(ctx, tx, e.Broadcaster, run.ID, domain.RunCompleted); err != nil {
			return err
		}
		if run.ParentRunID != nil && e.Subrun != nil {
			childID := run.ID
			tx.OnCommit(func() {
				_ = e.Subrun.CompleteSubrun(context.Background(), childID)
			})
		}
		return nil
	default:
		return nil
	}
}

func (e *Executor) releaseLease(tx store.Tx, run *domain.AgentRun) (*domain.AgentRun, error) {
	locked, err := tx.LockRun(run.ID)
	if err != nil {
		return nil, err
	}
	locked.LockedBy = ""
	locked.LockedAt = nil
	locked.LockExpiresAt = nil
	if err := tx.SaveRun(locked); err != nil {
		return nil, err
	}
	return locked, nil
}

// failRun marks run FAILED with error_summary = cause.Error(), in a fresh
// transaction since the tick's own transaction already rolled back.
func (e *Executor) failRun(ctx context.Context, runID string, cause error) error {
	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return err
	}
	run, err := tx.LockRun(runID)
	if err != nil {
		_ = tx.Rollback()
		return cause
	}
	run.ErrorSummary = cause.Error()
	run.LockedBy = ""
	run.LockedAt = nil
	run.LockExpiresAt = nil
	if err := tx.SaveRun(run); err != nil {
		_ = tx.Rollback()
		return cause
	}
	if err := e.SM.Transition(ctx, tx, e.Broadcaster, runID, domain.RunFailed); err != nil {
		_ = tx.Rollback()
		return cause
	}
	if err := tx.Commit(); err != nil {
		return cause
	}
	return &errs.PermanentRunError{Msg: cause.Error(), Err: cause}
}
