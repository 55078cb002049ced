// Package statemachine implements the State Machine (C3): the legal
// AgentRun transition table and the transition() operation that enforces
// it, emits state_changed, and releases quota slots on entering a terminal
// status. Grounded on original_source's runs/services/state.py.
package statemachine

import (
	"context"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/journal"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

func isWaiting(s domain.RunStatus) bool {
	switch s {
	case domain.RunWaitingForApproval, domain.RunWaitingForTool, domain.RunWaitingForSubrun, domain.RunWaitingForUser:
		return true
	default:
		return false
	}
}

// legal reports whether the from -> to edge is permitted, per spec §4.3.
func legal(from, to domain.RunStatus) bool {
	if from == to {
		return true // no-op, handled by caller before reaching here
	}
	switch {
	case from == domain.RunPending:
		switch to {
		case domain.RunRunning, domain.RunCanceled, domain.RunFailed, domain.RunWaitingForSubrun:
			return true
		}
	case from == domain.RunRunning:
		switch to {
		case domain.RunCompleted, domain.RunFailed, domain.RunCanceled,
			domain.RunWaitingForApproval, domain.RunWaitingForTool, domain.RunWaitingForSubrun,
			domain.RunWaitingForUser, domain.RunPaused:
			return true
		}
	case from == domain.RunPaused:
		switch to {
		case domain.RunRunning, domain.RunFailed, domain.RunCanceled:
			return true
		}
	case isWaiting(from):
		switch to {
		case domain.RunRunning, domain.RunFailed, domain.RunCanceled:
			return true
		}
	}
	return false
}

// Manager performs transitions under the run's row lock. Quota is injected
// so terminal transitions can release the run's concurrency slots.
type Manager struct {
	Quota quota.Manager
}

// Transition moves run (already locked by tx) to newStatus: rejects an
// unknown status, no-ops if unchanged, rejects an illegal edge, else saves
// the new status, appends state_changed, and — if newStatus is terminal —
// releases the run's quota slots.
func (m *Manager) Transition(ctx context.Context, tx store.Tx, b journal.Broadcaster, runID string, newStatus domain.RunStatus) error {
	if !newStatus.Valid() {
		return errs.NewValidation("unknown run status %q", newStatus)
	}

	run, err := tx.LockRun(runID)
	if err != nil {
		return err
	}

	if run.Status == newStatus {
		return nil
	}
	if !legal(run.Status, newStatus) {
		return &errs.IllegalTransition{From: string(run.Status), To: string(newStatus)}
	}

	from := run.Status
	run.Status = newStatus
	if newStatus.IsTerminal() {
		if run.EndedAt == nil {
			t := nowFn()
			run.EndedAt = &t
		}
	}
	if err := tx.SaveRun(run); err != nil {
		return err
	}

	if _, err := journal.AppendEvent(tx, b, runID, "state_changed", map[string]any{
		"from": string(from), "to": string(newStatus),
	}, run.CorrelationID, journal.BroadcastOpts{}); err != nil {
		return err
	}

	if newStatus.IsTerminal() && m.Quota != nil {
		includeParent := run.ParentRunID == nil
		if err := quota.ReleaseRunSlots(ctx, m.Quota, run.WorkspaceID, run.ID, includeParent); err != nil {
			return err
		}
	}
	return nil
}

// nowFn is indirected so tests can override it without a real clock call
// inside a workflow script; production code always uses time.Now.
var nowFn = defaultNow
