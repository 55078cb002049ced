package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
)

// pgLockNotAvailable is Postgres's SQLSTATE for "lock_not_available",
// returned by SELECT ... FOR UPDATE NOWAIT when another transaction holds
// the row lock.
const pgLockNotAvailable = "55P03"

// PGStore is the multi-process backend: every run-row lock is a real
// SELECT ... FOR UPDATE NOWAIT, surfacing contention as errs.Locked instead
// of blocking, per spec §5's "NOWAIT where contention must surface as a
// Locked signal".
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPG connects to dsn and ensures the schema exists.
func OpenPG(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pg pool: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL, agent_id TEXT NOT NULL,
			parent_run_id TEXT, started_by TEXT, correlation_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL, channel TEXT NOT NULL, cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			max_steps INT NOT NULL DEFAULT 0, max_tool_calls INT NOT NULL DEFAULT 0,
			current_step_index INT NOT NULL DEFAULT 0, locked_by TEXT NOT NULL DEFAULT '',
			locked_at TIMESTAMPTZ, lock_expires_at TIMESTAMPTZ, locked_task_id TEXT NOT NULL DEFAULT '',
			input_text TEXT NOT NULL DEFAULT '', final_text TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ, ended_at TIMESTAMPTZ, archived_at TIMESTAMPTZ,
			error_summary TEXT NOT NULL DEFAULT '', created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pg_runs_parent ON agent_runs(parent_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pg_runs_lock_expires ON agent_runs(lock_expires_at)`,
		`CREATE TABLE IF NOT EXISTS agent_steps (
			id TEXT PRIMARY KEY, run_id TEXT NOT NULL, step_index INT NOT NULL, kind TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}', correlation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL, UNIQUE(run_id, step_index)
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id TEXT PRIMARY KEY, run_id TEXT NOT NULL, seq BIGINT NOT NULL, event_type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}', correlation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL, UNIQUE(run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS subrun_links (
			parent_run_id TEXT NOT NULL, child_run_id TEXT PRIMARY KEY, group_id TEXT NOT NULL,
			join_policy TEXT NOT NULL, quorum INT, timeout_seconds INT, failure_policy TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}', created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_definitions (
			id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL, name TEXT NOT NULL,
			args_schema JSONB NOT NULL DEFAULT '{}', default_risk_level TEXT NOT NULL DEFAULT 'LOW',
			default_requires_approval BOOLEAN NOT NULL DEFAULT FALSE, enabled BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE(workspace_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY, run_id TEXT NOT NULL, step_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL, args JSONB NOT NULL DEFAULT '{}', risk_level TEXT NOT NULL DEFAULT 'LOW',
			requires_approval BOOLEAN NOT NULL DEFAULT FALSE, status TEXT NOT NULL,
			approved_by TEXT, approved_at TIMESTAMPTZ, started_at TIMESTAMPTZ, ended_at TIMESTAMPTZ,
			exit_code INT, stdout TEXT NOT NULL DEFAULT '', stderr TEXT NOT NULL DEFAULT '',
			result JSONB NOT NULL DEFAULT '{}', correlation_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS run_archives (
			id TEXT PRIMARY KEY, run_id TEXT NOT NULL, archive_path TEXT NOT NULL,
			summary JSONB NOT NULL DEFAULT '{}', notes TEXT NOT NULL DEFAULT '', created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_action_log (
			id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL, user_id TEXT NOT NULL, action TEXT NOT NULL,
			target_type TEXT NOT NULL, target_id TEXT NOT NULL, created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate pg: %w", err)
		}
	}
	return nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{ctx: ctx, tx: tx}, nil
}

const pgRunColumns = `id, workspace_id, agent_id, parent_run_id, started_by, correlation_id, status, channel,
	cancel_requested, max_steps, max_tool_calls, current_step_index, locked_by, locked_at,
	lock_expires_at, locked_task_id, input_text, final_text, started_at, ended_at, archived_at,
	error_summary, created_at, updated_at`

type pgRowScanner interface {
	Scan(dest ...any) error
}

func pgScanRun(row pgRowScanner) (*domain.AgentRun, error) {
	var r domain.AgentRun
	if err := row.Scan(
		&r.ID, &r.WorkspaceID, &r.AgentID, &r.ParentRunID, &r.StartedBy, &r.CorrelationID, &r.Status, &r.Channel,
		&r.CancelRequested, &r.MaxSteps, &r.MaxToolCalls, &r.CurrentStepIndex, &r.LockedBy, &r.LockedAt,
		&r.LockExpiresAt, &r.LockedTaskID, &r.InputText, &r.FinalText, &r.StartedAt, &r.EndedAt, &r.ArchivedAt,
		&r.ErrorSummary, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) GetRun(ctx context.Context, id string) (*domain.AgentRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM agent_runs WHERE id = $1`, id)
	r, err := pgScanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "run", ID: id}
	}
	return r, err
}

func (s *PGStore) ListChildRuns(ctx context.Context, parentRunID string) ([]domain.AgentRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgRunColumns+` FROM agent_runs WHERE parent_run_id = $1 ORDER BY created_at`, parentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgScanRuns(rows)
}

func pgScanRuns(rows pgx.Rows) ([]domain.AgentRun, error) {
	out := []domain.AgentRun{}
	for rows.Next() {
		r, err := pgScanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PGStore) ListStepsByRun(ctx context.Context, runID string) ([]domain.AgentStep, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, step_index, kind, payload, correlation_id, created_at
		FROM agent_steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.AgentStep{}
	for rows.Next() {
		var st domain.AgentStep
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepIndex, &st.Kind, &st.Payload, &st.CorrelationID, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PGStore) ListEventsSince(ctx context.Context, runID string, sinceSeq int64) ([]domain.RunEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, seq, event_type, payload, correlation_id, created_at
		FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq`, runID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.RunEvent{}
	for rows.Next() {
		var ev domain.RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.EventType, &ev.Payload, &ev.CorrelationID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const pgToolCallColumns = `id, run_id, step_id, tool_name, args, risk_level, requires_approval, status,
	approved_by, approved_at, started_at, ended_at, exit_code, stdout, stderr, result, correlation_id`

func pgScanToolCall(row pgRowScanner) (*domain.ToolCall, error) {
	var tc domain.ToolCall
	if err := row.Scan(&tc.ID, &tc.RunID, &tc.StepID, &tc.ToolName, &tc.Args, &tc.RiskLevel, &tc.RequiresApproval,
		&tc.Status, &tc.ApprovedBy, &tc.ApprovedAt, &tc.StartedAt, &tc.EndedAt, &tc.ExitCode, &tc.Stdout, &tc.Stderr,
		&tc.Result, &tc.CorrelationID); err != nil {
		return nil, err
	}
	return &tc, nil
}

func (s *PGStore) ListToolCallsByRun(ctx context.Context, runID string) ([]domain.ToolCall, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgToolCallColumns+` FROM tool_calls WHERE run_id = $1 ORDER BY ctid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ToolCall{}
	for rows.Next() {
		tc, err := pgScanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tc)
	}
	return out, rows.Err()
}

func (s *PGStore) GetToolCall(ctx context.Context, id string) (*domain.ToolCall, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgToolCallColumns+` FROM tool_calls WHERE id = $1`, id)
	tc, err := pgScanToolCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "tool_call", ID: id}
	}
	return tc, err
}

func (s *PGStore) GetToolDefinition(ctx context.Context, workspaceID, name string) (*domain.ToolDefinition, error) {
	var td domain.ToolDefinition
	row := s.pool.QueryRow(ctx, `SELECT id, workspace_id, name, args_schema, default_risk_level,
		default_requires_approval, enabled FROM tool_definitions WHERE workspace_id = $1 AND name = $2`, workspaceID, name)
	if err := row.Scan(&td.ID, &td.WorkspaceID, &td.Name, &td.ArgsSchema, &td.DefaultRiskLevel,
		&td.DefaultRequiresApproval, &td.Enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errs.NotFound{Kind: "tool_definition", ID: workspaceID + "/" + name}
		}
		return nil, err
	}
	return &td, nil
}

func (s *PGStore) UpsertToolDefinition(ctx context.Context, def *domain.ToolDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO tool_definitions
		(id, workspace_id, name, args_schema, default_risk_level, default_requires_approval, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (workspace_id, name) DO UPDATE SET
			args_schema=excluded.args_schema, default_risk_level=excluded.default_risk_level,
			default_requires_approval=excluded.default_requires_approval, enabled=excluded.enabled`,
		def.ID, def.WorkspaceID, def.Name, def.ArgsSchema, def.DefaultRiskLevel,
		def.DefaultRequiresApproval, def.Enabled)
	return err
}

func (s *PGStore) ListRunsWithExpiredLease(ctx context.Context, now time.Time) ([]domain.AgentRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgRunColumns+` FROM agent_runs
		WHERE locked_at IS NOT NULL AND lock_expires_at IS NOT NULL AND lock_expires_at < $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgScanRuns(rows)
}

func (s *PGStore) ListWaitingParentsWithNoActiveChildren(ctx context.Context) ([]domain.AgentRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgRunColumns+` FROM agent_runs p
		WHERE p.status = 'WAITING_FOR_SUBRUN' AND NOT EXISTS (
			SELECT 1 FROM agent_runs c WHERE c.parent_run_id = p.id
				AND c.status NOT IN ('COMPLETED','FAILED','CANCELED')
		)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgScanRuns(rows)
}

func (s *PGStore) ListTerminalUnarchivedRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgRunColumns+` FROM agent_runs
		WHERE status IN ('COMPLETED','FAILED','CANCELED') AND archived_at IS NULL
			AND ended_at IS NOT NULL AND ended_at <= $1
		ORDER BY ended_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgScanRuns(rows)
}

func (s *PGStore) ListArchivesOlderThan(ctx context.Context, cutoff time.Time) ([]domain.RunArchive, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, archive_path, summary, notes, created_at
		FROM run_archives WHERE created_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.RunArchive{}
	for rows.Next() {
		var a domain.RunArchive
		if err := rows.Scan(&a.ID, &a.RunID, &a.ArchivePath, &a.Summary, &a.Notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteArchive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM run_archives WHERE id = $1`, id)
	return err
}

func (s *PGStore) InsertUserAction(ctx context.Context, a domain.UserActionLog) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO user_action_log (id, workspace_id, user_id, action, target_type, target_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, a.ID, a.WorkspaceID, a.UserID, a.Action, a.TargetType, a.TargetID, a.CreatedAt)
	return err
}

func (s *PGStore) CountPendingSubrunsByParent(ctx context.Context, parentRunID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agent_runs
		WHERE parent_run_id = $1 AND status NOT IN ('COMPLETED','FAILED','CANCELED')`, parentRunID).Scan(&n)
	return n, err
}

// pgTx implements Tx with a real transactional row lock via FOR UPDATE
// NOWAIT, translating Postgres's lock_not_available SQLSTATE into
// errs.Locked so callers retry with backoff instead of blocking.
type pgTx struct {
	ctx       context.Context
	tx        pgx.Tx
	onCommit  []func()
	committed bool
}

func (t *pgTx) LockRun(runID string) (*domain.AgentRun, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+pgRunColumns+` FROM agent_runs WHERE id = $1 FOR UPDATE NOWAIT`, runID)
	r, err := pgScanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errs.NotFound{Kind: "run", ID: runID}
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, errs.NewLocked("run %s is locked by another writer", runID)
		}
		return nil, err
	}
	return r, nil
}

func (t *pgTx) CreateRun(r *domain.AgentRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := t.tx.Exec(t.ctx, `INSERT INTO agent_runs (`+pgRunColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		r.ID, r.WorkspaceID, r.AgentID, r.ParentRunID, r.StartedBy, r.CorrelationID, r.Status, r.Channel,
		r.CancelRequested, r.MaxSteps, r.MaxToolCalls, r.CurrentStepIndex, r.LockedBy, r.LockedAt,
		r.LockExpiresAt, r.LockedTaskID, r.InputText, r.FinalText, r.StartedAt, r.EndedAt, r.ArchivedAt,
		r.ErrorSummary, r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) SaveRun(r *domain.AgentRun) error {
	r.UpdatedAt = time.Now()
	_, err := t.tx.Exec(t.ctx, `UPDATE agent_runs SET
		status=$1, cancel_requested=$2, current_step_index=$3, locked_by=$4, locked_at=$5, lock_expires_at=$6,
		locked_task_id=$7, final_text=$8, started_at=$9, ended_at=$10, archived_at=$11, error_summary=$12, updated_at=$13
		WHERE id = $14`,
		r.Status, r.CancelRequested, r.CurrentStepIndex, r.LockedBy, r.LockedAt, r.LockExpiresAt,
		r.LockedTaskID, r.FinalText, r.StartedAt, r.EndedAt, r.ArchivedAt, r.ErrorSummary, r.UpdatedAt, r.ID)
	return err
}

func (t *pgTx) NextSeq(runID string) (int64, error) {
	var maxSeq *int64
	if err := t.tx.QueryRow(t.ctx, `SELECT MAX(seq) FROM run_events WHERE run_id = $1`, runID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	if maxSeq == nil {
		return 1, nil
	}
	return *maxSeq + 1, nil
}

func (t *pgTx) InsertStep(st *domain.AgentStep) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(t.ctx, `INSERT INTO agent_steps (id, run_id, step_index, kind, payload, correlation_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, st.ID, st.RunID, st.StepIndex, st.Kind, st.Payload, st.CorrelationID, st.CreatedAt)
	return err
}

func (t *pgTx) InsertEvent(ev *domain.RunEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(t.ctx, `INSERT INTO run_events (id, run_id, seq, event_type, payload, correlation_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, ev.ID, ev.RunID, ev.Seq, ev.EventType, ev.Payload, ev.CorrelationID, ev.CreatedAt)
	return err
}

func (t *pgTx) InsertSubrunLink(link *domain.SubrunLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(t.ctx, `INSERT INTO subrun_links
		(parent_run_id, child_run_id, group_id, join_policy, quorum, timeout_seconds, failure_policy, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		link.ParentRunID, link.ChildRunID, link.GroupID, link.JoinPolicy, link.Quorum, link.TimeoutSeconds,
		link.FailurePolicy, link.Metadata, link.CreatedAt)
	return err
}

const pgSubrunLinkColumns = `parent_run_id, child_run_id, group_id, join_policy, quorum, timeout_seconds, failure_policy, metadata, created_at`

func pgScanSubrunLink(row pgRowScanner) (*domain.SubrunLink, error) {
	var link domain.SubrunLink
	if err := row.Scan(&link.ParentRunID, &link.ChildRunID, &link.GroupID, &link.JoinPolicy, &link.Quorum,
		&link.TimeoutSeconds, &link.FailurePolicy, &link.Metadata, &link.CreatedAt); err != nil {
		return nil, err
	}
	return &link, nil
}

func (t *pgTx) GetSubrunLink(parentRunID, childRunID string) (*domain.SubrunLink, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+pgSubrunLinkColumns+` FROM subrun_links WHERE parent_run_id = $1 AND child_run_id = $2`, parentRunID, childRunID)
	link, err := pgScanSubrunLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "subrun_link", ID: parentRunID + "/" + childRunID}
	}
	return link, err
}

func (t *pgTx) ListSubrunLinksByGroup(groupID string) ([]domain.SubrunLink, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT `+pgSubrunLinkColumns+` FROM subrun_links WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.SubrunLink{}
	for rows.Next() {
		link, err := pgScanSubrunLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *link)
	}
	return out, rows.Err()
}

func (t *pgTx) ListChildRuns(parentRunID string) ([]domain.AgentRun, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT `+pgRunColumns+` FROM agent_runs WHERE parent_run_id = $1 ORDER BY created_at`, parentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgScanRuns(rows)
}

func (t *pgTx) UpsertToolCall(tc *domain.ToolCall) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(t.ctx, `INSERT INTO tool_calls (`+pgToolCallColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET status=excluded.status, approved_by=excluded.approved_by,
			approved_at=excluded.approved_at, started_at=excluded.started_at, ended_at=excluded.ended_at,
			exit_code=excluded.exit_code, stdout=excluded.stdout, stderr=excluded.stderr, result=excluded.result`,
		tc.ID, tc.RunID, tc.StepID, tc.ToolName, tc.Args, tc.RiskLevel, tc.RequiresApproval, tc.Status,
		tc.ApprovedBy, tc.ApprovedAt, tc.StartedAt, tc.EndedAt, tc.ExitCode, tc.Stdout, tc.Stderr, tc.Result, tc.CorrelationID)
	return err
}

func (t *pgTx) GetToolCall(id string) (*domain.ToolCall, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+pgToolCallColumns+` FROM tool_calls WHERE id = $1`, id)
	tc, err := pgScanToolCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "tool_call", ID: id}
	}
	return tc, err
}

func (t *pgTx) InsertArchive(a *domain.RunArchive) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(t.ctx, `INSERT INTO run_archives (id, run_id, archive_path, summary, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, a.ID, a.RunID, a.ArchivePath, a.Summary, a.Notes, a.CreatedAt)
	return err
}

func (t *pgTx) DeleteEventsOlderThan(runID string, eventTypes []string, cutoff time.Time) (int64, error) {
	if len(eventTypes) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(t.ctx, `DELETE FROM run_events WHERE run_id = $1 AND event_type = ANY($2) AND created_at < $3`,
		runID, eventTypes, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(t.ctx); err != nil {
		return err
	}
	t.committed = true
	for _, fn := range t.onCommit {
		fn()
	}
	return nil
}

func (t *pgTx) Rollback() error {
	if t.committed {
		return nil
	}
	return t.tx.Rollback(t.ctx)
}
