// Package journal implements the Journal (C2): append_step and
// append_event, each taking the transactional row lock on the run,
// computing the next cursor/seq, and scheduling any broadcast on commit
// only. Grounded on original_source's runs/services/steps.py and
// runs/services/events.py.
package journal

import (
	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

// Broadcaster is the push-fanout seam journal depends on. The concrete
// implementation (internal/pushbus) is injected by the caller so this
// package stays free of transport concerns.
type Broadcaster interface {
	BroadcastRunEvent(runID string, event domain.RunEvent)
	BroadcastWorkspaceEvent(workspaceID, label string, event domain.RunEvent)
	BroadcastApprovalEvent(workspaceID string, event domain.RunEvent)
}

// AppendStep locks run, computes step_index = current_step_index + 1,
// inserts the step, and bumps the cursor — all in tx. The caller commits.
func AppendStep(tx store.Tx, runID string, kind domain.StepKind, payload map[string]any, correlationID string) (*domain.AgentStep, error) {
	run, err := tx.LockRun(runID)
	if err != nil {
		return nil, err
	}

	step := &domain.AgentStep{
		RunID:         runID,
		StepIndex:     run.CurrentStepIndex + 1,
		Kind:          kind,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := tx.InsertStep(step); err != nil {
		return nil, err
	}

	run.CurrentStepIndex = step.StepIndex
	if err := tx.SaveRun(run); err != nil {
		return nil, err
	}
	return step, nil
}

// BroadcastOpts controls which streams an appended event is pushed to.
// BroadcastToRun defaults true; set SuppressRunBroadcast to opt out.
type BroadcastOpts struct {
	SuppressRunBroadcast bool
	BroadcastToWorkspace bool
	WorkspaceSummaryLabel string
	BroadcastToApprovals bool
}

// AppendEvent locks run, computes seq = max(seq)+1, inserts the event, and
// registers broadcast callbacks via tx.OnCommit — so a push never fires on
// rollback (spec's hard testable property).
func AppendEvent(tx store.Tx, b Broadcaster, runID, eventType string, payload map[string]any, correlationID string, opts BroadcastOpts) (*domain.RunEvent, error) {
	run, err := tx.LockRun(runID)
	if err != nil {
		return nil, err
	}

	seq, err := tx.NextSeq(runID)
	if err != nil {
		return nil, err
	}

	event := &domain.RunEvent{
		RunID:         runID,
		Seq:           seq,
		EventType:     eventType,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := tx.InsertEvent(event); err != nil {
		return nil, err
	}

	if b != nil {
		evCopy := *event
		if !opts.SuppressRunBroadcast {
			tx.OnCommit(func() { b.BroadcastRunEvent(run.ID, evCopy) })
		}
		if opts.BroadcastToWorkspace {
			label := opts.WorkspaceSummaryLabel
			if label == "" {
				label = "workspace_summary_event"
			}
			tx.OnCommit(func() { b.BroadcastWorkspaceEvent(run.WorkspaceID, label, evCopy) })
		}
		if opts.BroadcastToApprovals {
			tx.OnCommit(func() { b.BroadcastApprovalEvent(run.WorkspaceID, evCopy) })
		}
	}

	return event, nil
}
