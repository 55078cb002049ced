// Package httpapi implements External Interfaces' HTTP surface (C12, §6.1):
// run creation, subrun spawning, tool-call approval, and snapshot reads.
// Routing follows the host's internal/controlplane/server/routes.go
// (stdlib net/http 1.22+ method-pattern ServeMux) and errors.go
// (a single JSON error envelope). Auth/session wiring and the identity
// model are out of scope: handlers read rbac.Identity off the request
// context and trust it was attached upstream.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/journal"
	"github.com/agentmaestro/agentmaestro/internal/quota"
	"github.com/agentmaestro/agentmaestro/internal/rbac"
	"github.com/agentmaestro/agentmaestro/internal/snapshot"
	"github.com/agentmaestro/agentmaestro/internal/statemachine"
	"github.com/agentmaestro/agentmaestro/internal/store"
	"github.com/agentmaestro/agentmaestro/internal/subrun"
	"github.com/agentmaestro/agentmaestro/internal/toolflow"
)

// Ticker is the subset of ticker.Queue (satisfied by ticker.ChannelQueue)
// a freshly created run needs: get onto the tick queue.
type Ticker interface {
	Enqueue(runID string)
}

// Server holds the wired subsystems the HTTP handlers dispatch into.
type Server struct {
	Store    store.Store
	Quota    quota.Manager
	SM       *statemachine.Manager
	Broadcaster journal.Broadcaster
	Subrun   *subrun.Controller
	ToolFlow *toolflow.Controller
	Ticker   Ticker

	QuotaBypass bool
}

// Routes registers C12's HTTP surface on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs/", s.handleCreateRun)
	mux.HandleFunc("POST /api/runs/{run_id}/spawn_subrun/", s.handleSpawnSubrun)
	mux.HandleFunc("POST /api/toolcalls/{tool_call_id}/approve/", s.handleApproveToolCall)
	mux.HandleFunc("GET /api/runs/{run_id}/snapshot/", s.handleSnapshot)
}

// APIError is the standard error response body.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErr maps the errs taxonomy (§7) onto an HTTP status + JSON body.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errs.IsValidation(err):
		writeJSONError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errs.IsPermission(err):
		writeJSONError(w, http.StatusForbidden, "permission_error", err.Error())
	case errs.IsLimitExceeded(err):
		writeJSONError(w, http.StatusTooManyRequests, "limit_exceeded", err.Error())
	case errs.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errs.IsIllegalTransition(err):
		writeJSONError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errs.IsLocked(err):
		writeJSONError(w, http.StatusConflict, "locked", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// requireIdentity pulls the caller identity attached by upstream auth
// middleware (out of scope here) and requires it may perform action.
func requireIdentity(r *http.Request, action rbac.Action) (rbac.Identity, error) {
	identity, ok := rbac.IdentityFromContext(r.Context())
	if !ok {
		return rbac.Identity{}, errs.NewPermission("no identity attached to request")
	}
	if err := rbac.Require(identity.Role, action); err != nil {
		return rbac.Identity{}, err
	}
	return identity, nil
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return errs.NewValidation("malformed request body: %v", err)
	}
	return nil
}

// --- POST /api/runs/ ---

type createRunRequest struct {
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id"`
	InputText   string `json:"input_text"`
	Channel     string `json:"channel,omitempty"`
}

type createRunResponse struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r, rbac.ActionStartRun)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.WorkspaceID == "" || req.AgentID == "" || req.InputText == "" {
		writeErr(w, errs.NewValidation("workspace_id, agent_id and input_text are required"))
		return
	}
	if req.WorkspaceID != identity.WorkspaceID {
		writeErr(w, errs.NewPermission("caller is not a member of workspace %s", req.WorkspaceID))
		return
	}

	channel := domain.Channel(req.Channel)
	if channel == "" {
		channel = domain.ChannelAPI
	}

	var startedBy *string
	if identity.UserID != "" {
		startedBy = &identity.UserID
	}

	run, err := s.CreateRun(r.Context(), req.WorkspaceID, req.AgentID, req.InputText, channel, startedBy)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createRunResponse{
		RunID:       run.ID,
		Status:      string(run.Status),
		WorkspaceID: run.WorkspaceID,
		AgentID:     run.AgentID,
	})
}

// CreateRun implements create_run: admits against RUN_CREATION, inserts a
// new top-level PENDING run, reserves its quota slots, appends
// run_created, and enqueues its first tick. Exported so wsapi's
// retry_run command (which starts a fresh run rather than resurrecting a
// terminal one, see DESIGN.md Open Questions) can reuse it.
func (s *Server) CreateRun(ctx context.Context, workspaceID, agentID, inputText string, channel domain.Channel, startedBy *string) (*domain.AgentRun, error) {
	if err := s.Quota.CheckRate(ctx, quota.RunCreation, workspaceID, s.QuotaBypass); err != nil {
		return nil, err
	}

	run := &domain.AgentRun{
		WorkspaceID:   workspaceID,
		AgentID:       agentID,
		CorrelationID: uuid.NewString(),
		Status:        domain.RunPending,
		Channel:       channel,
		InputText:     inputText,
		StartedBy:     startedBy,
	}

	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.CreateRun(run); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	// A freshly created run has no parent: it counts against
	// CONCURRENT_PARENT_RUNS as well as CONCURRENT_TOTAL_RUNS, mirroring
	// statemachine.Manager.Transition's includeParent = ParentRunID == nil
	// rule used on the release side.
	if err := quota.AcquireRunSlots(ctx, s.Quota, workspaceID, run.ID, true); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err := journal.AppendEvent(tx, s.Broadcaster, run.ID, "run_created", map[string]any{
		"agent_id":   run.AgentID,
		"input_text": run.InputText,
		"channel":    string(run.Channel),
	}, run.CorrelationID, journal.BroadcastOpts{BroadcastToWorkspace: true, WorkspaceSummaryLabel: "run_created"}); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	runID := run.ID
	if s.Ticker != nil {
		tx.OnCommit(func() { s.Ticker.Enqueue(runID) })
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// --- POST /api/runs/{run_id}/spawn_subrun/ ---

type spawnSubrunOptions struct {
	JoinPolicy     string         `json:"join_policy,omitempty"`
	Quorum         *int           `json:"quorum,omitempty"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
	FailurePolicy  string         `json:"failure_policy,omitempty"`
	GroupID        string         `json:"group_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type spawnSubrunRequest struct {
	InputText string             `json:"input_text,omitempty"`
	Options   spawnSubrunOptions `json:"options,omitempty"`
}

type spawnSubrunResponse struct {
	ChildRunID    string `json:"child_run_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleSpawnSubrun(w http.ResponseWriter, r *http.Request) {
	if _, err := requireIdentity(r, rbac.ActionSpawnSubrun); err != nil {
		writeErr(w, err)
		return
	}

	parentRunID := r.PathValue("run_id")
	var req spawnSubrunRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	opts := subrun.SpawnOptions{
		JoinPolicy:     domain.JoinPolicy(req.Options.JoinPolicy),
		Quorum:         req.Options.Quorum,
		TimeoutSeconds: req.Options.TimeoutSeconds,
		FailurePolicy:  domain.FailurePolicy(req.Options.FailurePolicy),
		GroupID:        req.Options.GroupID,
		Metadata:       req.Options.Metadata,
	}
	if opts.JoinPolicy == "" {
		opts.JoinPolicy = domain.JoinWaitAll
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = domain.FailFast
	}

	child, err := s.Subrun.SpawnSubrun(r.Context(), parentRunID, req.InputText, opts)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, spawnSubrunResponse{
		ChildRunID:    child.ID,
		Status:        string(child.Status),
		CorrelationID: child.CorrelationID,
	})
}

// --- POST /api/toolcalls/{tool_call_id}/approve/ ---

type approveToolCallResponse struct {
	ToolCallID string `json:"tool_call_id"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
}

func (s *Server) handleApproveToolCall(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r, rbac.ActionApproveTool)
	if err != nil {
		writeErr(w, err)
		return
	}

	toolCallID := r.PathValue("tool_call_id")
	tc, err := s.ToolFlow.ApproveToolCall(r.Context(), toolCallID, identity.UserID, identity.Role)
	if err != nil {
		writeErr(w, err)
		return
	}

	// Nothing upstream of this endpoint drives execution of an approved
	// tool call (the LLM runner that first requested it is out of scope),
	// so the approve handler is also where execution is kicked off. It
	// runs detached from the request's context/deadline: the HTTP response
	// reports the approval, not the eventual tool-runner result, which
	// clients observe later via the run's event stream.
	approvedID := tc.ID
	go func() {
		_, _ = s.ToolFlow.ExecuteToolCall(context.Background(), approvedID, true)
	}()

	writeJSON(w, http.StatusOK, approveToolCallResponse{
		ToolCallID: tc.ID,
		RunID:      tc.RunID,
		Status:     string(tc.Status),
	})
}

// --- GET /api/runs/{run_id}/snapshot/?since_seq=N ---

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r, rbac.ActionViewRun)
	if err != nil {
		writeErr(w, err)
		return
	}

	runID := r.PathValue("run_id")
	if err := s.Quota.CheckRate(r.Context(), quota.Snapshot, identity.WorkspaceID, s.QuotaBypass); err != nil {
		writeErr(w, err)
		return
	}

	var sinceSeq *int64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeErr(w, errs.NewValidation("since_seq must be a non-negative integer, got %q", raw))
			return
		}
		sinceSeq = &v
	}

	snap, err := snapshot.Get(r.Context(), s.Store, runID, sinceSeq)
	if err != nil {
		writeErr(w, err)
		return
	}
	if snap.Run.WorkspaceID != identity.WorkspaceID {
		writeErr(w, errs.NewPermission("caller is not a member of workspace %s", snap.Run.WorkspaceID))
		return
	}

	writeJSON(w, http.StatusOK, snap)
}
