// Package store defines the relational persistence contract shared by
// Journal (C2), State Machine (C3), Ticker (C6), Subrun Controller (C7),
// Tool Call Flow (C8), Recovery (C9) and Archival (C10). A single relational
// row lock on AgentRun serializes append_step/append_event/transition/tick,
// per spec §5; Tx models that lock scope so multi-step operations (e.g.
// subrun completion, which locks the child, its link, and sibling links)
// compose inside one transaction.
//
// Two backends implement this interface: a single-connection SQLite
// backend (sqlite.go) that serializes writes by holding one pooled
// connection, grounded on the host's internal/controlplane/jobs/store.go;
// and a pgx backend (pgx.go) issuing literal SELECT ... FOR UPDATE NOWAIT
// for multi-process deployments.
package store

import (
	"context"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/domain"
)

// Store is the top-level handle. All mutating multi-entity operations go
// through Begin; read-mostly lookups used by snapshot/HTTP handlers are
// exposed directly.
type Store interface {
	Close() error

	Begin(ctx context.Context) (Tx, error)

	GetRun(ctx context.Context, id string) (*domain.AgentRun, error)
	ListChildRuns(ctx context.Context, parentRunID string) ([]domain.AgentRun, error)
	ListStepsByRun(ctx context.Context, runID string) ([]domain.AgentStep, error)
	ListEventsSince(ctx context.Context, runID string, sinceSeq int64) ([]domain.RunEvent, error)
	ListToolCallsByRun(ctx context.Context, runID string) ([]domain.ToolCall, error)
	GetToolCall(ctx context.Context, id string) (*domain.ToolCall, error)
	GetToolDefinition(ctx context.Context, workspaceID, name string) (*domain.ToolDefinition, error)
	UpsertToolDefinition(ctx context.Context, def *domain.ToolDefinition) error

	// ListRunsWithExpiredLease returns runs whose lock_expires_at has
	// passed, for Recovery's stale-lease reclaim sweep.
	ListRunsWithExpiredLease(ctx context.Context, now time.Time) ([]domain.AgentRun, error)

	// ListWaitingParentsWithNoActiveChildren returns WAITING_FOR_SUBRUN
	// runs whose children are all terminal, for Recovery's resume sweep.
	ListWaitingParentsWithNoActiveChildren(ctx context.Context) ([]domain.AgentRun, error)

	// ListTerminalUnarchivedRuns returns terminal runs older than the cutoff
	// that have not yet been checkpointed, oldest first, for Archival.
	ListTerminalUnarchivedRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.AgentRun, error)

	ListArchivesOlderThan(ctx context.Context, cutoff time.Time) ([]domain.RunArchive, error)
	DeleteArchive(ctx context.Context, id string) error

	InsertUserAction(ctx context.Context, a domain.UserActionLog) error

	// CountPendingSubrunsByParent reports how many non-terminal children a
	// parent already has.
	CountPendingSubrunsByParent(ctx context.Context, parentRunID string) (int, error)
}

// Tx is one relational-row-lock-scoped transaction. Callers must call
// Commit or Rollback exactly once; OnCommit callbacks run only after a
// successful Commit, never after Rollback — this is the hard testable
// property from spec §4.2 that push broadcasts must not fire on rollback.
type Tx interface {
	// LockRun takes the transactional row lock on run id and returns its
	// current row. Returns a *errs.Locked-compatible error if another
	// writer holds the lock and NOWAIT is configured (pgx backend); the
	// sqlite backend never contends since its connection pool size is 1.
	LockRun(runID string) (*domain.AgentRun, error)

	CreateRun(run *domain.AgentRun) error
	SaveRun(run *domain.AgentRun) error

	NextSeq(runID string) (int64, error)
	InsertStep(step *domain.AgentStep) error
	InsertEvent(event *domain.RunEvent) error

	InsertSubrunLink(link *domain.SubrunLink) error
	GetSubrunLink(parentRunID, childRunID string) (*domain.SubrunLink, error)
	ListSubrunLinksByGroup(groupID string) ([]domain.SubrunLink, error)
	ListChildRuns(parentRunID string) ([]domain.AgentRun, error)

	UpsertToolCall(tc *domain.ToolCall) error
	GetToolCall(id string) (*domain.ToolCall, error)

	InsertArchive(a *domain.RunArchive) error
	DeleteEventsOlderThan(runID string, eventTypes []string, cutoff time.Time) (int64, error)

	// OnCommit registers fn to run after Commit succeeds. Multiple
	// registrations run in registration order.
	OnCommit(fn func())

	Commit() error
	Rollback() error
}
