// Package toolflow implements the Tool Call Flow (C8): request approval,
// approve, and execute a tool call, gating execution on the tool's
// approval policy and the CONCURRENT_TOOL_CALLS_WS/RUN quota. Grounded
// on original_source's runs/services/approvals.py and execution.py.
package toolflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/journal"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/rbac"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

// ToolRunnerRequest is the body the tool-runner client (C11) sends.
type ToolRunnerRequest struct {
	RequestID   string         `json:"request_id"`
	WorkspaceID string         `json:"workspace_id"`
	RunID       string         `json:"run_id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	Policy      struct {
		RiskLevel        string `json:"risk_level"`
		ToolDefinitionID string `json:"tool_definition_id"`
		RequiresApproval bool   `json:"requires_approval"`
	} `json:"policy"`
	Limits struct {
		TimeoutSeconds  int `json:"timeout_s"`
		MaxOutputBytes  int `json:"max_output_bytes"`
	} `json:"limits"`
}

// ToolRunnerResponse is the tool-runner's reply shape.
type ToolRunnerResponse struct {
	RequestID  string         `json:"request_id"`
	Status     string         `json:"status"` // COMPLETED | FAILED
	ExitCode   *int           `json:"exit_code,omitempty"`
	Stdout     string         `json:"stdout"`
	Stderr     string         `json:"stderr"`
	DurationMS int64          `json:"duration_ms"`
	Result     map[string]any `json:"result,omitempty"`
}

// ToolRunner is the seam onto internal/toolrunner's signed HTTP client,
// injected here so this package stays free of transport/signing concerns.
type ToolRunner interface {
	Execute(ctx context.Context, req ToolRunnerRequest) (*ToolRunnerResponse, error)
}

// Controller owns request/approve/execute for tool calls.
type Controller struct {
	Store       store.Store
	Quota       quota.Manager
	SM          *statemachine.Manager
	Broadcaster journal.Broadcaster
	Runner      ToolRunner

	TimeoutSeconds   int
	MaxOutputBytes   int
	QuotaBypass      bool

	now func() time.Time
}

func (c *Controller) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now().UTC()
}

func validRunStatusForRequest(s domain.RunStatus) bool {
	switch s {
	case domain.RunPending, domain.RunRunning, domain.RunWaitingForApproval:
		return true
	default:
		return false
	}
}

// RequestToolCallApproval implements request_tool_call_approval.
func (c *Controller) RequestToolCallApproval(ctx context.Context, runID, toolName string, args map[string]any, requiresApproval bool) (*domain.ToolCall, error) {
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	run, err := tx.LockRun(runID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if !validRunStatusForRequest(run.Status) {
		_ = tx.Rollback()
		return nil, errs.NewValidation("run %s status %s cannot request a tool call", runID, run.Status)
	}

	step, err := journal.AppendStep(tx, runID, domain.StepToolCall, map[string]any{"tool_name": toolName, "args": args}, run.CorrelationID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	status := domain.ToolCallApproved
	if requiresApproval {
		status = domain.ToolCallPending
	}
	tc := &domain.ToolCall{
		ID:               uuid.NewString(),
		RunID:            runID,
		StepID:           step.ID,
		ToolName:         toolName,
		Args:             args,
		RequiresApproval: requiresApproval,
		Status:           status,
		CorrelationID:    run.CorrelationID,
	}
	if err := tx.UpsertToolCall(tc); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if _, err := journal.AppendEvent(tx, c.Broadcaster, runID, "tool_call_requested",
		map[string]any{"tool_call_id": tc.ID, "tool_name": toolName, "args": args}, run.CorrelationID,
		journal.BroadcastOpts{BroadcastToApprovals: requiresApproval}); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if requiresApproval {
		if err := c.SM.Transition(ctx, tx, c.Broadcaster, runID, domain.RunWaitingForApproval); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tc, nil
}

// ApproveToolCall implements approve_tool_call(tool_call_id, user).
func (c *Controller) ApproveToolCall(ctx context.Context, toolCallID, approverUserID string, approverRole domain.Role) (*domain.ToolCall, error) {
	if !rbac.Can(approverRole, rbac.ActionApproveTool) {
		return nil, errs.NewPermission("role %s may not approve tool calls", approverRole)
	}

	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	tc, err := tx.GetToolCall(toolCallID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if tc.Status != domain.ToolCallPending || !tc.RequiresApproval {
		_ = tx.Rollback()
		return nil, errs.NewValidation("tool call %s already acted on or approval not required", toolCallID)
	}

	now := c.clock()
	tc.Status = domain.ToolCallApproved
	tc.ApprovedBy = &approverUserID
	tc.ApprovedAt = &now
	if err := tx.UpsertToolCall(tc); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	run, err := tx.LockRun(tc.RunID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if _, err := journal.AppendEvent(tx, c.Broadcaster, tc.RunID, "tool_call_approved",
		map[string]any{"tool_call_id": tc.ID, "approved_by": approverUserID}, run.CorrelationID,
		journal.BroadcastOpts{BroadcastToApprovals: true}); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := c.SM.Transition(ctx, tx, c.Broadcaster, tc.RunID, domain.RunRunning); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tc, nil
}

func validToolCallStatusForExecute(s domain.ToolCallStatus) bool {
	return s == domain.ToolCallApproved || s == domain.ToolCallRunning
}

// ExecuteToolCall implements execute_tool_call(tool_call_id): invokes the
// tool-runner and stamps the result. The CONCURRENT_TOOL_CALLS_WS/RUN
// slots are acquired only when preApproved is false; when preApproved is
// true no slots are acquired (ApproveToolCall reserves none either).
func (c *Controller) ExecuteToolCall(ctx context.Context, toolCallID string, preApproved bool) (*domain.ToolCall, error) {
	tc, err := c.Store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return nil, err
	}
	if !validToolCallStatusForExecute(tc.Status) {
		return nil, errs.NewValidation("tool call %s status %s cannot execute", toolCallID, tc.Status)
	}

	run, err := c.Store.GetRun(ctx, tc.RunID)
	if err != nil {
		return nil, err
	}
	def, err := c.Store.GetToolDefinition(ctx, run.WorkspaceID, tc.ToolName)
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, errs.NewValidation("tool %s is disabled in workspace %s", tc.ToolName, run.WorkspaceID)
	}

	if !preApproved {
		if err := c.Quota.AcquireConcurrency(ctx, quota.ConcurrentToolCallsWS, run.WorkspaceID, toolCallID); err != nil {
			return nil, err
		}
		if err := c.Quota.AcquireConcurrency(ctx, quota.ConcurrentToolCallsRun, run.ID, toolCallID); err != nil {
			_ = c.Quota.ReleaseConcurrency(ctx, quota.ConcurrentToolCallsWS, run.WorkspaceID, toolCallID)
			return nil, err
		}
		defer func() {
			_ = c.Quota.ReleaseConcurrency(ctx, quota.ConcurrentToolCallsRun, run.ID, toolCallID)
			_ = c.Quota.ReleaseConcurrency(ctx, quota.ConcurrentToolCallsWS, run.WorkspaceID, toolCallID)
		}()
	}

	startedAt := c.clock()
	tc.Status = domain.ToolCallRunning
	tc.StartedAt = &startedAt
	if err := c.stampToolCall(ctx, tc); err != nil {
		return nil, err
	}

	req := ToolRunnerRequest{
		RequestID:   uuid.NewString(),
		WorkspaceID: run.WorkspaceID,
		RunID:       run.ID,
		ToolName:    tc.ToolName,
		Args:        tc.Args,
	}
	req.Policy.RiskLevel = def.DefaultRiskLevel
	req.Policy.ToolDefinitionID = def.ID
	req.Policy.RequiresApproval = tc.RequiresApproval
	req.Limits.TimeoutSeconds = c.TimeoutSeconds
	req.Limits.MaxOutputBytes = c.MaxOutputBytes

	resp, runErr := c.Runner.Execute(ctx, req)

	endedAt := c.clock()
	tc.EndedAt = &endedAt
	if runErr != nil {
		tc.Status = domain.ToolCallFailed
		tc.Stderr = runErr.Error()
	} else {
		switch resp.Status {
		case "COMPLETED":
			tc.Status = domain.ToolCallSucceeded
		default:
			tc.Status = domain.ToolCallFailed
		}
		tc.ExitCode = resp.ExitCode
		tc.Stdout = resp.Stdout
		tc.Stderr = resp.Stderr
		tc.Result = resp.Result
	}
	if err := c.stampToolCall(ctx, tc); err != nil {
		return nil, err
	}

	if err := c.emitCompleted(ctx, tc, run); err != nil {
		return nil, err
	}
	return tc, nil
}

func (c *Controller) stampToolCall(ctx context.Context, tc *domain.ToolCall) error {
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.UpsertToolCall(tc); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Controller) emitCompleted(ctx context.Context, tc *domain.ToolCall, run *domain.AgentRun) error {
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return err
	}

	var durationMS int64
	if tc.StartedAt != nil && tc.EndedAt != nil {
		durationMS = tc.EndedAt.Sub(*tc.StartedAt).Milliseconds()
	}
	payload := map[string]any{
		"tool_call_id": tc.ID,
		"status":       string(tc.Status),
		"duration_ms":  durationMS,
		"exit_code":    tc.ExitCode,
	}
	if _, err := journal.AppendEvent(tx, c.Broadcaster, tc.RunID, "tool_call_completed", payload, run.CorrelationID, journal.BroadcastOpts{}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
