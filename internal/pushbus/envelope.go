// Package pushbus implements the Push Fanout (C5): group-scoped delivery
// of a fixed envelope to current subscribers, best-effort, with Snapshot's
// since_seq as the resumable-replay fallback for anything missed.
// Grounded on original_source's runs/services/event_contracts.py
// (envelope shape) and events.py (group naming), with the Go transport
// idiom adapted from the host's internal/controlplane/events/bus.go
// (in-process pub/sub) and internal/controlplane/websocket/hub.go
// (connection lifecycle, ping/pong keepalive).
package pushbus

import (
	"time"

	"github.com/agentmaestro/agentmaestro/internal/domain"
)

// Envelope is the fixed push message shape from spec §4.5.
type Envelope struct {
	Type        string         `json:"type"`
	Topic       string         `json:"topic"`
	Ts          time.Time      `json:"ts"`
	Event       string         `json:"event"`
	Data        map[string]any `json:"data"`
	Seq         *int64         `json:"seq,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
}

const topicRun = "run.event"
const topicWorkspace = "workspace.event"
const topicApprovals = "approvals.event"
const topicUser = "user.event"

// RunGroup is the push-bus group name for all of one run's events.
func RunGroup(runID string) string { return "run." + runID }

// WorkspaceGroup is the group name for one workspace's summary events.
func WorkspaceGroup(workspaceID string) string { return "ws." + workspaceID }

// ApprovalsGroup is the group name for one workspace's tool-call approval
// lifecycle events.
func ApprovalsGroup(workspaceID string) string { return "approvals." + workspaceID }

// NewRunPush builds the envelope for an event on a run's own stream.
func NewRunPush(event domain.RunEvent) Envelope {
	return Envelope{
		Type: "push", Topic: topicRun, Ts: time.Now().UTC(),
		Event: event.EventType, Data: event.Payload, Seq: &event.Seq, RunID: event.RunID,
	}
}

// NewWorkspacePush builds the envelope for a workspace-summary event.
func NewWorkspacePush(workspaceID, label string, event domain.RunEvent) Envelope {
	data := map[string]any{"label": label}
	for k, v := range event.Payload {
		data[k] = v
	}
	return Envelope{
		Type: "push", Topic: topicWorkspace, Ts: time.Now().UTC(),
		Event: event.EventType, Data: data, Seq: &event.Seq, RunID: event.RunID, WorkspaceID: workspaceID,
	}
}

// NewApprovalsPush builds the envelope for a tool-call approval lifecycle
// event (tool_call_requested, tool_call_approved, ...).
func NewApprovalsPush(workspaceID, eventType string, data map[string]any) Envelope {
	return Envelope{
		Type: "push", Topic: topicApprovals, Ts: time.Now().UTC(),
		Event: eventType, Data: data, WorkspaceID: workspaceID,
	}
}

// NewUserPush builds the envelope for a user-targeted event.
func NewUserPush(userID, eventType string, data map[string]any) Envelope {
	return Envelope{
		Type: "push", Topic: topicUser, Ts: time.Now().UTC(),
		Event: eventType, Data: data, UserID: userID,
	}
}
