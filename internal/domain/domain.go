// Package domain declares the entity types and enumerations that make up
// the run orchestration data model: workspaces, agents, runs and their
// steps/events, subrun links, tool calls, and archives.
package domain

import "time"

// RunStatus is the AgentRun state machine's status enumeration.
type RunStatus string

const (
	RunPending             RunStatus = "PENDING"
	RunRunning             RunStatus = "RUNNING"
	RunPaused              RunStatus = "PAUSED"
	RunWaitingForApproval  RunStatus = "WAITING_FOR_APPROVAL"
	RunWaitingForTool      RunStatus = "WAITING_FOR_TOOL"
	RunWaitingForSubrun    RunStatus = "WAITING_FOR_SUBRUN"
	RunWaitingForUser      RunStatus = "WAITING_FOR_USER"
	RunCompleted           RunStatus = "COMPLETED"
	RunFailed              RunStatus = "FAILED"
	RunCanceled            RunStatus = "CANCELED"
)

// IsTerminal reports whether status is one of the three terminal statuses.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the declared RunStatus values.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPaused, RunWaitingForApproval, RunWaitingForTool,
		RunWaitingForSubrun, RunWaitingForUser, RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Channel identifies the surface a run was started from.
type Channel string

const (
	ChannelDashboard Channel = "DASHBOARD"
	ChannelTelegram  Channel = "TELEGRAM"
	ChannelAPI       Channel = "API"
)

// Role is a workspace membership role.
type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleAdmin    Role = "ADMIN"
	RoleOperator Role = "OPERATOR"
	RoleViewer   Role = "VIEWER"
)

// CanApprove reports whether the role may approve tool calls or issue run controls.
func (r Role) CanApprove() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleOperator:
		return true
	default:
		return false
	}
}

// StepKind enumerates the kinds of AgentStep.
type StepKind string

const (
	StepPlan        StepKind = "PLAN"
	StepModelCall   StepKind = "MODEL_CALL"
	StepToolCall    StepKind = "TOOL_CALL"
	StepObservation StepKind = "OBSERVATION"
	StepMessage     StepKind = "MESSAGE"
	StepSubrunSpawn StepKind = "SUBRUN_SPAWN"
)

// JoinPolicy decides when a parent waiting on subruns may resume.
type JoinPolicy string

const (
	JoinWaitAll JoinPolicy = "WAIT_ALL"
	JoinWaitAny JoinPolicy = "WAIT_ANY"
	JoinQuorum  JoinPolicy = "QUORUM"
	JoinTimeout JoinPolicy = "TIMEOUT"
)

// FailurePolicy decides how a parent reacts to a failed or canceled child.
type FailurePolicy string

const (
	FailFast        FailurePolicy = "FAIL_FAST"
	CancelSiblings  FailurePolicy = "CANCEL_SIBLINGS"
	ContinuePolicy  FailurePolicy = "CONTINUE"
)

// ToolCallStatus enumerates the lifecycle of a ToolCall.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "PENDING"
	ToolCallApproved  ToolCallStatus = "APPROVED"
	ToolCallRunning   ToolCallStatus = "RUNNING"
	ToolCallSucceeded ToolCallStatus = "SUCCEEDED"
	ToolCallFailed    ToolCallStatus = "FAILED"
	ToolCallCanceled  ToolCallStatus = "CANCELED"
)

// Workspace is the tenancy boundary and the source of all quota keys.
type Workspace struct {
	ID     string
	Name   string
	Active bool
}

// Membership binds a user to a workspace with a role.
type Membership struct {
	WorkspaceID string
	UserID      string
	Role        Role
	Active      bool
}

// Agent is an immutable (from the engine's view) template bound to a workspace.
type Agent struct {
	ID             string
	WorkspaceID    string
	Name           string
	SystemPrompt   string
	DefaultModel   string
	Temperature    float64
	ToolPolicy     string
}

// AgentRun is the central orchestration entity.
type AgentRun struct {
	ID              string
	WorkspaceID     string
	AgentID         string
	ParentRunID     *string
	StartedBy       *string
	CorrelationID   string

	Status           RunStatus
	Channel          Channel
	CancelRequested  bool
	MaxSteps         int
	MaxToolCalls     int

	CurrentStepIndex int

	LockedBy       string
	LockedAt       *time.Time
	LockExpiresAt  *time.Time
	LockedTaskID   string // external task id for revocation on cancel; see SPEC_FULL.md §12

	InputText   string
	FinalText   string

	StartedAt   *time.Time
	EndedAt     *time.Time
	ArchivedAt  *time.Time
	ErrorSummary string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentStep is one append-only entry in a run's step journal.
type AgentStep struct {
	ID            string
	RunID         string
	StepIndex     int
	Kind          StepKind
	Payload       map[string]any
	CorrelationID string
	CreatedAt     time.Time
}

// RunEvent is one append-only entry in a run's event journal.
type RunEvent struct {
	ID            string
	RunID         string
	Seq           int64
	EventType     string
	Payload       map[string]any
	CorrelationID string
	CreatedAt     time.Time
}

// SubrunLink binds a child run to its parent with a join/failure policy.
// Siblings sharing GroupID form one join set.
type SubrunLink struct {
	ParentRunID   string
	ChildRunID    string
	GroupID       string
	JoinPolicy    JoinPolicy
	Quorum        *int
	TimeoutSeconds *int
	FailurePolicy FailurePolicy
	Metadata      map[string]any
	CreatedAt     time.Time
}

// ToolDefinition is a workspace-scoped tool that the tool-runner may execute.
type ToolDefinition struct {
	ID                     string
	WorkspaceID            string
	Name                   string
	ArgsSchema             map[string]any
	DefaultRiskLevel       string
	DefaultRequiresApproval bool
	Enabled                bool
}

// ToolCall is one request to invoke a ToolDefinition, gated by approval.
type ToolCall struct {
	ID              string
	RunID           string
	StepID          string
	ToolName        string
	Args            map[string]any
	RiskLevel       string
	RequiresApproval bool
	Status          ToolCallStatus
	ApprovedBy      *string
	ApprovedAt      *time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	ExitCode        *int
	Stdout          string
	Stderr          string
	Result          map[string]any
	CorrelationID   string
}

// RunArchive records one checkpoint bundle written for a terminal run.
type RunArchive struct {
	ID          string
	RunID       string
	ArchivePath string
	Summary     map[string]any
	Notes       string
	CreatedAt   time.Time
}

// UserActionLog is an append-only audit trail entry for a user-attributed
// mutating command. Recorded at the HTTP/WS boundary, never by core services.
type UserActionLog struct {
	ID          string
	WorkspaceID string
	UserID      string
	Action      string
	TargetType  string
	TargetID    string
	CreatedAt   time.Time
}
