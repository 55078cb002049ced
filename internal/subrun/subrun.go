// Package subrun implements the Subrun Controller (C7): spawn_subrun,
// complete_subrun, and cancel_subrun — the join/failure-policy machinery
// that lets a parent run wait on one or more children. Grounded on
// original_source's runs/services/subruns.py.
package subrun

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/journal"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

// defaultMaxPendingSubrunsPerParent is the spec's fixed constant, used when
// Controller.MaxPendingSubrunsPerParent is unset (§8: whether it
// should be per-workspace configurable is an open question left
// unresolved by the original system).
const defaultMaxPendingSubrunsPerParent = 4

// Controller owns spawn/complete/cancel for subruns. Ticker is the only
// consumer of the enqueue side; Controller never ticks directly.
type Controller struct {
	Store       store.Store
	Quota       quota.Manager
	SM          *statemachine.Manager
	Broadcaster journal.Broadcaster
	Queue       TickQueue

	MaxPendingSubrunsPerParent int
	QuotaBypass                bool

	now func() time.Time
}

// TickQueue is the minimal seam onto ticker.Queue, declared locally so
// this package does not need to import internal/ticker (ticker, in turn,
// declares its own SubrunCompleter seam, which Controller satisfies).
type TickQueue interface {
	Enqueue(runID string)
}

func (c *Controller) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now().UTC()
}

func (c *Controller) maxPending() int {
	if c.MaxPendingSubrunsPerParent > 0 {
		return c.MaxPendingSubrunsPerParent
	}
	return defaultMaxPendingSubrunsPerParent
}

// SpawnOptions carries spawn_subrun's optional join/failure configuration.
type SpawnOptions struct {
	JoinPolicy     domain.JoinPolicy
	Quorum         *int
	TimeoutSeconds *int
	FailurePolicy  domain.FailurePolicy
	GroupID        string
	Metadata       map[string]any
}

func validParentStatus(s domain.RunStatus) bool {
	switch s {
	case domain.RunPending, domain.RunRunning, domain.RunWaitingForSubrun:
		return true
	default:
		return false
	}
}

// SpawnSubrun creates a child run under parentRunID and links it via a
// SubrunLink, per spec §4.7.
func (c *Controller) SpawnSubrun(ctx context.Context, parentRunID, inputText string, opts SpawnOptions) (*domain.AgentRun, error) {
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	child, err := c.spawnIn(ctx, tx, parentRunID, inputText, opts)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if c.Queue != nil {
		c.Queue.Enqueue(child.ID)
	}
	return child, nil
}

func (c *Controller) spawnIn(ctx context.Context, tx store.Tx, parentRunID, inputText string, opts SpawnOptions) (*domain.AgentRun, error) {
	parent, err := tx.LockRun(parentRunID)
	if err != nil {
		return nil, err
	}

	children, err := tx.ListChildRuns(parentRunID)
	if err != nil {
		return nil, err
	}
	pending := 0
	for _, ch := range children {
		if !ch.Status.IsTerminal() {
			pending++
		}
	}
	if pending >= c.maxPending() {
		return nil, errs.NewValidation("parent %s already has %d pending subruns (max %d)", parentRunID, pending, c.maxPending())
	}

	if err := c.Quota.CheckRate(ctx, quota.SpawnSubrun, parent.WorkspaceID, c.QuotaBypass); err != nil {
		return nil, err
	}

	if !validParentStatus(parent.Status) {
		return nil, errs.NewValidation("parent %s status %s cannot spawn a subrun", parentRunID, parent.Status)
	}

	child := &domain.AgentRun{
		WorkspaceID:   parent.WorkspaceID,
		AgentID:       parent.AgentID,
		ParentRunID:   &parent.ID,
		StartedBy:     parent.StartedBy,
		CorrelationID: uuid.NewString(),
		Status:        domain.RunPending,
		Channel:       parent.Channel,
		MaxSteps:      parent.MaxSteps,
		MaxToolCalls:  parent.MaxToolCalls,
		InputText:     inputText,
	}
	if err := tx.CreateRun(child); err != nil {
		return nil, err
	}
	if err := quota.AcquireRunSlots(ctx, c.Quota, parent.WorkspaceID, child.ID, false); err != nil {
		return nil, err
	}

	groupID := opts.GroupID
	if groupID == "" {
		groupID = uuid.NewString()
	}
	link := &domain.SubrunLink{
		ParentRunID:    parent.ID,
		ChildRunID:     child.ID,
		GroupID:        groupID,
		JoinPolicy:     opts.JoinPolicy,
		Quorum:         opts.Quorum,
		TimeoutSeconds: opts.TimeoutSeconds,
		FailurePolicy:  opts.FailurePolicy,
		Metadata:       opts.Metadata,
	}
	if err := tx.InsertSubrunLink(link); err != nil {
		return nil, err
	}

	stepPayload := map[string]any{
		"child_run_id":     child.ID,
		"subrun_group_id":  groupID,
		"join_policy":      string(opts.JoinPolicy),
		"failure_policy":   string(opts.FailurePolicy),
	}
	if opts.Quorum != nil {
		stepPayload["quorum"] = *opts.Quorum
	}
	if opts.TimeoutSeconds != nil {
		stepPayload["timeout"] = *opts.TimeoutSeconds
	}
	if opts.Metadata != nil {
		stepPayload["metadata"] = opts.Metadata
	}

	if _, err := journal.AppendStep(tx, parent.ID, domain.StepSubrunSpawn, stepPayload, parent.CorrelationID); err != nil {
		return nil, err
	}
	if _, err := journal.AppendEvent(tx, c.Broadcaster, parent.ID, "step_created", stepPayload, parent.CorrelationID, journal.BroadcastOpts{}); err != nil {
		return nil, err
	}
	if _, err := journal.AppendEvent(tx, c.Broadcaster, parent.ID, "subrun_spawned", stepPayload, parent.CorrelationID, journal.BroadcastOpts{}); err != nil {
		return nil, err
	}

	if parent.Status != domain.RunWaitingForSubrun {
		if err := c.SM.Transition(ctx, tx, c.Broadcaster, parent.ID, domain.RunWaitingForSubrun); err != nil {
			return nil, err
		}
	}

	return child, nil
}

// CompleteSubrun implements complete_subrun(child): evaluate the join/
// failure policy of child's subrun group and resume the parent if the
// policy is satisfied. Satisfies ticker.SubrunCompleter.
func (c *Controller) CompleteSubrun(ctx context.Context, childRunID string) error {
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := c.completeIn(ctx, tx, childRunID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Controller) completeIn(ctx context.Context, tx store.Tx, childRunID string) error {
	child, err := tx.LockRun(childRunID)
	if err != nil {
		return err
	}
	if child.ParentRunID == nil {
		return nil
	}

	link, err := tx.GetSubrunLink(*child.ParentRunID, childRunID)
	if err != nil {
		return err
	}

	siblings, err := tx.ListSubrunLinksByGroup(link.GroupID)
	if err != nil {
		return err
	}

	parent, err := tx.LockRun(*child.ParentRunID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}

	var active, completed int
	var earliestCreated time.Time
	for i, sib := range siblings {
		if i == 0 || sib.CreatedAt.Before(earliestCreated) {
			earliestCreated = sib.CreatedAt
		}
		sibRun, err := tx.LockRun(sib.ChildRunID)
		if err != nil {
			return err
		}
		if sibRun.Status.IsTerminal() {
			completed++
		} else {
			active++
		}
	}

	timeoutExpired := false
	if link.TimeoutSeconds != nil && !earliestCreated.IsZero() {
		deadline := earliestCreated.Add(time.Duration(*link.TimeoutSeconds) * time.Second)
		timeoutExpired = !c.clock().Before(deadline)
	}

	eventType := "subrun_completed"
	if child.Status == domain.RunCanceled {
		eventType = "subrun_cancelled"
	}
	payload := map[string]any{"child_run_id": childRunID, "child_status": string(child.Status), "metadata": link.Metadata}
	if _, err := journal.AppendEvent(tx, c.Broadcaster, parent.ID, eventType, payload, child.CorrelationID, journal.BroadcastOpts{}); err != nil {
		return err
	}

	if child.Status == domain.RunFailed || child.Status == domain.RunCanceled {
		switch link.FailurePolicy {
		case domain.FailFast:
			return c.SM.Transition(ctx, tx, c.Broadcaster, parent.ID, domain.RunFailed)
		case domain.CancelSiblings:
			for _, sib := range siblings {
				if sib.ChildRunID == childRunID {
					continue
				}
				sibRun, err := tx.LockRun(sib.ChildRunID)
				if err != nil {
					return err
				}
				if sibRun.Status.IsTerminal() {
					continue
				}
				if err := c.cancelSiblingIn(ctx, tx, sib.ChildRunID, "sibling subrun failed"); err != nil {
					return err
				}
			}
			return c.SM.Transition(ctx, tx, c.Broadcaster, parent.ID, domain.RunFailed)
		case domain.ContinuePolicy:
			// fall through to join evaluation
		}
	}

	resume := false
	switch link.JoinPolicy {
	case domain.JoinWaitAny:
		resume = child.Status.IsTerminal()
	case domain.JoinWaitAll:
		resume = active == 0
	case domain.JoinQuorum:
		q := 1
		if link.Quorum != nil && *link.Quorum > q {
			q = *link.Quorum
		}
		resume = completed >= q
	case domain.JoinTimeout:
		resume = active == 0 || timeoutExpired
	}

	if !resume {
		return nil
	}

	if err := c.SM.Transition(ctx, tx, c.Broadcaster, parent.ID, domain.RunRunning); err != nil {
		return err
	}
	if c.Queue != nil {
		parentID := parent.ID
		tx.OnCommit(func() { c.Queue.Enqueue(parentID) })
	}
	return nil
}

// cancelSiblingIn cancels a non-terminal sibling without re-driving the
// parent's join policy (the parent is already mid-evaluation under lock).
func (c *Controller) cancelSiblingIn(ctx context.Context, tx store.Tx, runID, reason string) error {
	run, err := tx.LockRun(runID)
	if err != nil {
		return err
	}
	run.CancelRequested = true
	run.ErrorSummary = reason
	if err := tx.SaveRun(run); err != nil {
		return err
	}
	return c.SM.Transition(ctx, tx, c.Broadcaster, runID, domain.RunCanceled)
}

// CancelSubrun implements cancel_subrun(child, reason, notify_parent).
func (c *Controller) CancelSubrun(ctx context.Context, childRunID, reason string, notifyParent bool) error {
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return err
	}

	child, err := tx.LockRun(childRunID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if child.Status == domain.RunCanceled {
		return tx.Commit()
	}
	child.CancelRequested = true
	child.ErrorSummary = reason
	if err := tx.SaveRun(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := c.SM.Transition(ctx, tx, c.Broadcaster, childRunID, domain.RunCanceled); err != nil {
		_ = tx.Rollback()
		return err
	}
	if child.ParentRunID != nil {
		if _, err := journal.AppendEvent(tx, c.Broadcaster, *child.ParentRunID, "subrun_cancelled",
			map[string]any{"child_run_id": childRunID, "reason": reason}, child.CorrelationID, journal.BroadcastOpts{}); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if notifyParent && child.ParentRunID != nil {
		return c.CompleteSubrun(ctx, childRunID)
	}
	return nil
}
