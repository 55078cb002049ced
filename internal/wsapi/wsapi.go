// Package wsapi implements External Interfaces' WebSocket surface (C12,
// §6.2): the workspace stream (/ws/ui/workspace/?workspace_id=<id>), the
// per-run stream (/ws/ui/run/<run_id>/), and the client->server command
// set each accepts. Built on pushbus.Hub for transport; this package only
// supplies the Authenticator, resource resolver, lifecycle hooks, and
// CommandHandler. Grounded on original_source's ui/consumers.go
// (WorkspaceConsumer, RunConsumer) for the command set and connect/
// disconnect group-join behavior.
package wsapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/httpapi"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/rbac"
	"github.com/agentmaestro/agentmaestro/internal/recovery"
	"github.com/agentmaestro/agentmaestro/internal/snapshot"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
	"github.com/agentmaestro/agentmaestro/internal/subrun"
	"github.com/agentmaestro/agentmaestro/internal/toolflow"
)

// Server wires the two WS endpoints to the run-orchestration subsystems.
// Both hubs share one Bus so a run event published once fans out over
// whichever stream(s) a client is currently subscribed to.
type Server struct {
	Store    store.Store
	SM       *statemachine.Manager
	Subrun   *subrun.Controller
	ToolFlow *toolflow.Controller
	Sweeper  *recovery.Sweeper
	HTTP     *httpapi.Server // reused for retry_run's CreateRun

	Logger *zap.Logger

	WorkspaceHub *pushbus.Hub
	RunHub       *pushbus.Hub
}

// NewServer builds both hubs over bus. Set the remaining fields, then
// call Routes.
func NewServer(bus pushbus.Bus, logger *zap.Logger) *Server {
	return &Server{
		Logger:       logger,
		WorkspaceHub: pushbus.NewHub(bus, logger),
		RunHub:       pushbus.NewHub(bus, logger),
	}
}

// Routes registers the two WS endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	s.WorkspaceHub.SetAuthenticator(s.authenticateWorkspace)
	s.WorkspaceHub.SetResourceResolver(func(r *http.Request) string { return r.URL.Query().Get("workspace_id") })
	s.WorkspaceHub.SetCommandHandler(&workspaceHandler{s: s})
	s.WorkspaceHub.SetLifecycleHooks(s.onWorkspaceConnect, nil)

	s.RunHub.SetAuthenticator(s.authenticateRun)
	s.RunHub.SetResourceResolver(func(r *http.Request) string { return r.PathValue("run_id") })
	s.RunHub.SetCommandHandler(&runHandler{s: s})
	s.RunHub.SetLifecycleHooks(s.onRunConnect, nil)

	mux.HandleFunc("GET /ws/ui/workspace/", s.WorkspaceHub.ServeWS)
	mux.HandleFunc("GET /ws/ui/run/{run_id}/", s.RunHub.ServeWS)
}

// authenticateWorkspace resolves the caller identity attached upstream
// (out of scope here) and requires the query string's workspace_id match
// the identity's own workspace — the same membership contract enforced
// at the HTTP boundary, applied on connect instead of per request.
func (s *Server) authenticateWorkspace(r *http.Request) (userID, workspaceID string, role domain.Role, ok bool) {
	identity, found := rbac.IdentityFromContext(r.Context())
	if !found || !rbac.Can(identity.Role, rbac.ActionSubscribeWS) {
		return "", "", "", false
	}
	wsID := r.URL.Query().Get("workspace_id")
	if wsID == "" || wsID != identity.WorkspaceID {
		return "", "", "", false
	}
	return identity.UserID, wsID, identity.Role, true
}

// authenticateRun resolves the caller and checks the target run's
// workspace against the identity's workspace.
func (s *Server) authenticateRun(r *http.Request) (userID, workspaceID string, role domain.Role, ok bool) {
	identity, found := rbac.IdentityFromContext(r.Context())
	if !found || !rbac.Can(identity.Role, rbac.ActionSubscribeWS) {
		return "", "", "", false
	}
	run, err := s.Store.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil || run.WorkspaceID != identity.WorkspaceID {
		return "", "", "", false
	}
	return identity.UserID, identity.WorkspaceID, identity.Role, true
}

// onWorkspaceConnect joins the workspace summary group. The approvals
// stream is opt-in via the subscribe_approvals command, matching
// original_source's WorkspaceConsumer.connect (group_workspace joined
// unconditionally, group_approvals only after an explicit subscribe).
func (s *Server) onWorkspaceConnect(c *pushbus.Conn) {
	c.Subscribe(s.WorkspaceHub.Broadcaster().Bus, pushbus.WorkspaceGroup(c.WorkspaceID))
	sendWorkspacePush(c, c.WorkspaceID, "connected", map[string]any{"user_id": c.UserID})
}

// onRunConnect joins the run's own event group, matching
// original_source's RunConsumer.connect.
func (s *Server) onRunConnect(c *pushbus.Conn) {
	if c.ResourceID == "" {
		return
	}
	c.Subscribe(s.RunHub.Broadcaster().Bus, pushbus.RunGroup(c.ResourceID))
	sendRunPush(c, c.ResourceID, "connected", map[string]any{"message": "connected to run stream"})
}

func sendRunPush(c *pushbus.Conn, runID, event string, data map[string]any) {
	c.Send(pushbus.Envelope{Type: "push", Topic: "run.event", Event: event, Data: data, RunID: runID})
}

func sendWorkspacePush(c *pushbus.Conn, workspaceID, event string, data map[string]any) {
	c.Send(pushbus.Envelope{Type: "push", Topic: "workspace.event", Event: event, Data: data, WorkspaceID: workspaceID})
}

func sendApprovalsPush(c *pushbus.Conn, workspaceID, event string, data map[string]any) {
	c.Send(pushbus.Envelope{Type: "push", Topic: "approvals.event", Event: event, Data: data, WorkspaceID: workspaceID})
}

func sendError(c *pushbus.Conn, topic, message string) {
	c.Send(pushbus.Envelope{Type: "error", Topic: topic, Event: "error", Data: map[string]any{"message": message}})
}

// --- Workspace-stream commands ---

type workspaceHandler struct{ s *Server }

// HandleCommand implements pushbus.CommandHandler for
// /ws/ui/workspace/: subscribe_approvals, unsubscribe_approvals. ping is
// already handled by the hub itself.
func (h *workspaceHandler) HandleCommand(c *pushbus.Conn, cmd pushbus.Command) {
	switch cmd.Cmd {
	case "subscribe_approvals":
		c.Subscribe(h.s.WorkspaceHub.Broadcaster().Bus, pushbus.ApprovalsGroup(c.WorkspaceID))
		sendApprovalsPush(c, c.WorkspaceID, "subscribed", map[string]any{"message": "subscribed to approvals stream"})
	case "unsubscribe_approvals":
		c.Unsubscribe(pushbus.ApprovalsGroup(c.WorkspaceID))
		sendApprovalsPush(c, c.WorkspaceID, "unsubscribed", map[string]any{"message": "unsubscribed from approvals stream"})
	default:
		sendError(c, "workspace.event", "unknown cmd: "+cmd.Cmd)
	}
}

// --- Run-stream commands ---

type runHandler struct{ s *Server }

// HandleCommand implements pushbus.CommandHandler for /ws/ui/run/{id}/:
// request_snapshot, approve_tool_call, cancel_run, pause_run,
// resume_run, spawn_subrun, retry_run.
func (h *runHandler) HandleCommand(c *pushbus.Conn, cmd pushbus.Command) {
	runID := c.ResourceID
	ctx := context.Background()

	switch cmd.Cmd {
	case "request_snapshot":
		h.requestSnapshot(ctx, c, runID, cmd)
	case "approve_tool_call":
		h.approveToolCall(ctx, c, runID, cmd)
	case "cancel_run":
		h.cancelRun(ctx, c, runID)
	case "pause_run":
		h.transition(ctx, c, runID, domain.RunPaused)
	case "resume_run":
		h.transition(ctx, c, runID, domain.RunRunning)
	case "spawn_subrun":
		h.spawnSubrun(ctx, c, runID, cmd)
	case "retry_run":
		h.retryRun(ctx, c, runID)
	default:
		sendError(c, "run.event", "unknown cmd: "+cmd.Cmd)
	}
}

func (h *runHandler) requestSnapshot(ctx context.Context, c *pushbus.Conn, runID string, cmd pushbus.Command) {
	if err := rbac.Require(c.Role, rbac.ActionViewRun); err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	snap, err := snapshot.Get(ctx, h.s.Store, runID, cmd.SinceSeq)
	if err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	sendRunPush(c, runID, "snapshot", map[string]any{
		"run":              snap.Run,
		"steps":            snap.Steps,
		"events_since_seq": snap.EventsSinceSeq,
		"child_runs":       snap.ChildRuns,
	})
}

func (h *runHandler) approveToolCall(ctx context.Context, c *pushbus.Conn, runID string, cmd pushbus.Command) {
	if cmd.ToolCallID == "" {
		sendError(c, "run.event", "tool_call_id is required")
		return
	}
	tc, err := h.s.ToolFlow.ApproveToolCall(ctx, cmd.ToolCallID, c.UserID, c.Role)
	if err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	// See DESIGN.md Open Question #5: nothing upstream drives execution
	// of an approved call, so the approve command triggers it here too,
	// detached from this handler's own lifetime.
	approvedID := tc.ID
	go func() {
		_, _ = h.s.ToolFlow.ExecuteToolCall(context.Background(), approvedID, true)
	}()
	sendRunPush(c, runID, "tool_call_approval_ack", map[string]any{"tool_call_id": tc.ID})
}

func (h *runHandler) cancelRun(ctx context.Context, c *pushbus.Conn, runID string) {
	if err := rbac.Require(c.Role, rbac.ActionControlRun); err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	if h.s.Sweeper == nil {
		sendError(c, "run.event", "cancellation is not available")
		return
	}
	if err := h.s.Sweeper.CancelRun(ctx, runID, "canceled via ws command"); err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	sendRunPush(c, runID, "cmd_received", map[string]any{"cmd": "cancel_run"})
}

func (h *runHandler) transition(ctx context.Context, c *pushbus.Conn, runID string, to domain.RunStatus) {
	if err := rbac.Require(c.Role, rbac.ActionControlRun); err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	tx, err := h.s.Store.Begin(ctx)
	if err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	if err := h.s.SM.Transition(ctx, tx, h.s.RunHub.Broadcaster(), runID, to); err != nil {
		_ = tx.Rollback()
		sendError(c, "run.event", err.Error())
		return
	}
	if err := tx.Commit(); err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	sendRunPush(c, runID, "cmd_received", map[string]any{"cmd": string(to)})
}

func (h *runHandler) spawnSubrun(ctx context.Context, c *pushbus.Conn, runID string, cmd pushbus.Command) {
	if err := rbac.Require(c.Role, rbac.ActionSpawnSubrun); err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	opts := subrun.SpawnOptions{JoinPolicy: domain.JoinWaitAll, FailurePolicy: domain.FailFast, Metadata: cmd.Metadata}
	child, err := h.s.Subrun.SpawnSubrun(ctx, runID, cmd.InputText, opts)
	if err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	sendRunPush(c, runID, "subrun_spawned", map[string]any{"child_run_id": child.ID, "status": string(child.Status)})
}

// retryRun implements the decision in DESIGN.md Open Question #6: only a
// FAILED run may be retried, and retrying starts a fresh top-level run
// rather than resurrecting the original.
func (h *runHandler) retryRun(ctx context.Context, c *pushbus.Conn, runID string) {
	if err := rbac.Require(c.Role, rbac.ActionControlRun); err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	if h.s.HTTP == nil {
		sendError(c, "run.event", "retry is not available")
		return
	}
	run, err := h.s.Store.GetRun(ctx, runID)
	if err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	if run.Status != domain.RunFailed {
		sendError(c, "run.event", errs.NewValidation("run %s status %s cannot be retried", runID, run.Status).Error())
		return
	}
	fresh, err := h.s.HTTP.CreateRun(ctx, run.WorkspaceID, run.AgentID, run.InputText, run.Channel, run.StartedBy)
	if err != nil {
		sendError(c, "run.event", err.Error())
		return
	}
	sendRunPush(c, runID, "retry_spawned", map[string]any{"new_run_id": fresh.ID})
}
