package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/migration"
)

// schemaVersion is the current AgentMaestro store schema version. Bump it
// and append a Migration to schemaMigrations when the schema changes.
const schemaVersion = 1

// SQLiteStore is the single-node default backend. Like the host's jobs
// store, it pins the connection pool to size 1 so every transaction is
// strictly serialized by the driver — this stands in for an explicit row
// lock, since SQLite has no SELECT ... FOR UPDATE.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the AgentMaestro database at path. An
// existing, non-empty database file is backed up (with an integrity check
// on the copy) before migrations run, and backups older than a week are
// pruned on every open.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if info, statErr := os.Stat(path); statErr == nil && info.Size() > 0 {
			if _, err := migration.BackupDatabase(path); err != nil {
				return nil, fmt.Errorf("backup before open: %w", err)
			}
			if err := migration.CleanOldBackups(path, 7*24*time.Hour); err != nil {
				return nil, fmt.Errorf("clean old backups: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := migration.CheckVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func schemaMigrations() []migration.Migration {
	return []migration.Migration{{
		Version:     schemaVersion,
		Description: "initial AgentMaestro schema",
		Up:          applySchemaV1,
	}}
}

func applySchemaV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id                   TEXT PRIMARY KEY,
			workspace_id         TEXT NOT NULL,
			agent_id             TEXT NOT NULL,
			parent_run_id        TEXT,
			started_by           TEXT,
			correlation_id       TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL,
			channel              TEXT NOT NULL,
			cancel_requested     INTEGER NOT NULL DEFAULT 0,
			max_steps            INTEGER NOT NULL DEFAULT 0,
			max_tool_calls       INTEGER NOT NULL DEFAULT 0,
			current_step_index   INTEGER NOT NULL DEFAULT 0,
			locked_by            TEXT NOT NULL DEFAULT '',
			locked_at            TEXT,
			lock_expires_at      TEXT,
			locked_task_id       TEXT NOT NULL DEFAULT '',
			input_text           TEXT NOT NULL DEFAULT '',
			final_text           TEXT NOT NULL DEFAULT '',
			started_at           TEXT,
			ended_at             TEXT,
			archived_at          TEXT,
			error_summary        TEXT NOT NULL DEFAULT '',
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON agent_runs(parent_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON agent_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_lock_expires ON agent_runs(lock_expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workspace ON agent_runs(workspace_id)`,

		`CREATE TABLE IF NOT EXISTS agent_steps (
			id             TEXT PRIMARY KEY,
			run_id         TEXT NOT NULL,
			step_index     INTEGER NOT NULL,
			kind           TEXT NOT NULL,
			payload        TEXT NOT NULL DEFAULT '{}',
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			UNIQUE(run_id, step_index)
		)`,

		`CREATE TABLE IF NOT EXISTS run_events (
			id             TEXT PRIMARY KEY,
			run_id         TEXT NOT NULL,
			seq            INTEGER NOT NULL,
			event_type     TEXT NOT NULL,
			payload        TEXT NOT NULL DEFAULT '{}',
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			UNIQUE(run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_seq ON run_events(run_id, seq)`,

		`CREATE TABLE IF NOT EXISTS subrun_links (
			parent_run_id   TEXT NOT NULL,
			child_run_id    TEXT NOT NULL PRIMARY KEY,
			group_id        TEXT NOT NULL,
			join_policy     TEXT NOT NULL,
			quorum          INTEGER,
			timeout_seconds INTEGER,
			failure_policy  TEXT NOT NULL,
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subrun_parent ON subrun_links(parent_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subrun_group ON subrun_links(group_id)`,

		`CREATE TABLE IF NOT EXISTS tool_definitions (
			id                        TEXT PRIMARY KEY,
			workspace_id              TEXT NOT NULL,
			name                      TEXT NOT NULL,
			args_schema               TEXT NOT NULL DEFAULT '{}',
			default_risk_level        TEXT NOT NULL DEFAULT 'LOW',
			default_requires_approval INTEGER NOT NULL DEFAULT 0,
			enabled                   INTEGER NOT NULL DEFAULT 1,
			UNIQUE(workspace_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS tool_calls (
			id                TEXT PRIMARY KEY,
			run_id            TEXT NOT NULL,
			step_id           TEXT NOT NULL DEFAULT '',
			tool_name         TEXT NOT NULL,
			args              TEXT NOT NULL DEFAULT '{}',
			risk_level        TEXT NOT NULL DEFAULT 'LOW',
			requires_approval INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL,
			approved_by       TEXT,
			approved_at       TEXT,
			started_at        TEXT,
			ended_at          TEXT,
			exit_code         INTEGER,
			stdout            TEXT NOT NULL DEFAULT '',
			stderr            TEXT NOT NULL DEFAULT '',
			result            TEXT NOT NULL DEFAULT '{}',
			correlation_id    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_toolcalls_run ON tool_calls(run_id)`,

		`CREATE TABLE IF NOT EXISTS run_archives (
			id           TEXT PRIMARY KEY,
			run_id       TEXT NOT NULL,
			archive_path TEXT NOT NULL,
			summary      TEXT NOT NULL DEFAULT '{}',
			notes        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archives_created ON run_archives(created_at)`,

		`CREATE TABLE IF NOT EXISTS user_action_log (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			action       TEXT NOT NULL,
			target_type  TEXT NOT NULL,
			target_id    TEXT NOT NULL,
			created_at   TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	return migration.NewRunner("agentmaestro-sqlite", schemaMigrations()).Migrate(s.db)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

const timeFmt = time.RFC3339Nano

func timeStr(t time.Time) string { return t.UTC().Format(timeFmt) }

func nullTimeStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(timeFmt, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalJSON(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSON(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func runColumns() string {
	return `id, workspace_id, agent_id, parent_run_id, started_by, correlation_id, status, channel,
		cancel_requested, max_steps, max_tool_calls, current_step_index, locked_by, locked_at,
		lock_expires_at, locked_task_id, input_text, final_text, started_at, ended_at, archived_at,
		error_summary, created_at, updated_at`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.AgentRun, error) {
	var (
		r                                                domain.AgentRun
		parentRunID, startedBy                           sql.NullString
		cancelRequested                                   int
		lockedAt, lockExpiresAt, startedAt, endedAt, archivedAt sql.NullString
		createdAt, updatedAt                             string
	)
	if err := row.Scan(
		&r.ID, &r.WorkspaceID, &r.AgentID, &parentRunID, &startedBy, &r.CorrelationID, &r.Status, &r.Channel,
		&cancelRequested, &r.MaxSteps, &r.MaxToolCalls, &r.CurrentStepIndex, &r.LockedBy, &lockedAt,
		&lockExpiresAt, &r.LockedTaskID, &r.InputText, &r.FinalText, &startedAt, &endedAt, &archivedAt,
		&r.ErrorSummary, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if parentRunID.Valid {
		v := parentRunID.String
		r.ParentRunID = &v
	}
	if startedBy.Valid {
		v := startedBy.String
		r.StartedBy = &v
	}
	r.CancelRequested = cancelRequested != 0
	r.LockedAt = parseNullTime(lockedAt)
	r.LockExpiresAt = parseNullTime(lockExpiresAt)
	r.StartedAt = parseNullTime(startedAt)
	r.EndedAt = parseNullTime(endedAt)
	r.ArchivedAt = parseNullTime(archivedAt)
	r.CreatedAt, _ = time.Parse(timeFmt, createdAt)
	r.UpdatedAt, _ = time.Parse(timeFmt, updatedAt)
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns()+` FROM agent_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "run", ID: id}
	}
	return r, err
}

func (s *SQLiteStore) ListChildRuns(ctx context.Context, parentRunID string) ([]domain.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns()+` FROM agent_runs WHERE parent_run_id = ? ORDER BY created_at`, parentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]domain.AgentRun, error) {
	out := []domain.AgentRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListStepsByRun(ctx context.Context, runID string) ([]domain.AgentStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, step_index, kind, payload, correlation_id, created_at
		FROM agent_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.AgentStep{}
	for rows.Next() {
		var st domain.AgentStep
		var payload, createdAt string
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepIndex, &st.Kind, &payload, &st.CorrelationID, &createdAt); err != nil {
			return nil, err
		}
		st.Payload = unmarshalJSON(payload)
		st.CreatedAt, _ = time.Parse(timeFmt, createdAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListEventsSince(ctx context.Context, runID string, sinceSeq int64) ([]domain.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, seq, event_type, payload, correlation_id, created_at
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq`, runID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.RunEvent{}
	for rows.Next() {
		var ev domain.RunEvent
		var payload, createdAt string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.EventType, &payload, &ev.CorrelationID, &createdAt); err != nil {
			return nil, err
		}
		ev.Payload = unmarshalJSON(payload)
		ev.CreatedAt, _ = time.Parse(timeFmt, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanToolCall(row rowScanner) (*domain.ToolCall, error) {
	var (
		tc                                            domain.ToolCall
		args, result                                  string
		requiresApproval                              int
		approvedBy                                    sql.NullString
		approvedAt, startedAt, endedAt                sql.NullString
		exitCode                                       sql.NullInt64
	)
	if err := row.Scan(
		&tc.ID, &tc.RunID, &tc.StepID, &tc.ToolName, &args, &tc.RiskLevel, &requiresApproval, &tc.Status,
		&approvedBy, &approvedAt, &startedAt, &endedAt, &exitCode, &tc.Stdout, &tc.Stderr, &result, &tc.CorrelationID,
	); err != nil {
		return nil, err
	}
	tc.Args = unmarshalJSON(args)
	tc.Result = unmarshalJSON(result)
	tc.RequiresApproval = requiresApproval != 0
	if approvedBy.Valid {
		v := approvedBy.String
		tc.ApprovedBy = &v
	}
	tc.ApprovedAt = parseNullTime(approvedAt)
	tc.StartedAt = parseNullTime(startedAt)
	tc.EndedAt = parseNullTime(endedAt)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		tc.ExitCode = &v
	}
	return &tc, nil
}

const toolCallColumns = `id, run_id, step_id, tool_name, args, risk_level, requires_approval, status,
	approved_by, approved_at, started_at, ended_at, exit_code, stdout, stderr, result, correlation_id`

func (s *SQLiteStore) ListToolCallsByRun(ctx context.Context, runID string) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ToolCall{}
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetToolCall(ctx context.Context, id string) (*domain.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, id)
	tc, err := scanToolCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "tool_call", ID: id}
	}
	return tc, err
}

func (s *SQLiteStore) GetToolDefinition(ctx context.Context, workspaceID, name string) (*domain.ToolDefinition, error) {
	var td domain.ToolDefinition
	var schema string
	var requiresApproval, enabled int
	row := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, name, args_schema, default_risk_level,
		default_requires_approval, enabled FROM tool_definitions WHERE workspace_id = ? AND name = ?`, workspaceID, name)
	if err := row.Scan(&td.ID, &td.WorkspaceID, &td.Name, &schema, &td.DefaultRiskLevel, &requiresApproval, &enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errs.NotFound{Kind: "tool_definition", ID: workspaceID + "/" + name}
		}
		return nil, err
	}
	td.ArgsSchema = unmarshalJSON(schema)
	td.DefaultRequiresApproval = requiresApproval != 0
	td.Enabled = enabled != 0
	return &td, nil
}

func (s *SQLiteStore) UpsertToolDefinition(ctx context.Context, def *domain.ToolDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tool_definitions
		(id, workspace_id, name, args_schema, default_risk_level, default_requires_approval, enabled)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(workspace_id, name) DO UPDATE SET
			args_schema=excluded.args_schema, default_risk_level=excluded.default_risk_level,
			default_requires_approval=excluded.default_requires_approval, enabled=excluded.enabled`,
		def.ID, def.WorkspaceID, def.Name, marshalJSON(def.ArgsSchema), def.DefaultRiskLevel,
		boolToInt(def.DefaultRequiresApproval), boolToInt(def.Enabled))
	return err
}

func (s *SQLiteStore) ListRunsWithExpiredLease(ctx context.Context, now time.Time) ([]domain.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns()+` FROM agent_runs
		WHERE locked_at IS NOT NULL AND lock_expires_at IS NOT NULL AND lock_expires_at < ?`, timeStr(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *SQLiteStore) ListWaitingParentsWithNoActiveChildren(ctx context.Context) ([]domain.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns()+` FROM agent_runs p
		WHERE p.status = 'WAITING_FOR_SUBRUN' AND NOT EXISTS (
			SELECT 1 FROM agent_runs c WHERE c.parent_run_id = p.id
				AND c.status NOT IN ('COMPLETED','FAILED','CANCELED')
		)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *SQLiteStore) ListTerminalUnarchivedRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns()+` FROM agent_runs
		WHERE status IN ('COMPLETED','FAILED','CANCELED') AND archived_at IS NULL
			AND ended_at IS NOT NULL AND ended_at <= ?
		ORDER BY ended_at ASC LIMIT ?`, timeStr(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *SQLiteStore) ListArchivesOlderThan(ctx context.Context, cutoff time.Time) ([]domain.RunArchive, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, archive_path, summary, notes, created_at
		FROM run_archives WHERE created_at < ?`, timeStr(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.RunArchive{}
	for rows.Next() {
		var a domain.RunArchive
		var summary, createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.ArchivePath, &summary, &a.Notes, &createdAt); err != nil {
			return nil, err
		}
		a.Summary = unmarshalJSON(summary)
		a.CreatedAt, _ = time.Parse(timeFmt, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteArchive(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_archives WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) InsertUserAction(ctx context.Context, a domain.UserActionLog) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_action_log (id, workspace_id, user_id, action, target_type, target_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, a.ID, a.WorkspaceID, a.UserID, a.Action, a.TargetType, a.TargetID, timeStr(a.CreatedAt))
	return err
}

func (s *SQLiteStore) CountPendingSubrunsByParent(ctx context.Context, parentRunID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_runs
		WHERE parent_run_id = ? AND status NOT IN ('COMPLETED','FAILED','CANCELED')`, parentRunID).Scan(&n)
	return n, err
}

// sqliteTx implements Tx over a *sql.Tx. Single-connection serialization
// means "locking" a run is just reading it within the already-exclusive
// transaction; no explicit SELECT ... FOR UPDATE syntax exists in SQLite.
type sqliteTx struct {
	tx         *sql.Tx
	onCommit   []func()
	committed  bool
	rolledBack bool
}

func (t *sqliteTx) LockRun(runID string) (*domain.AgentRun, error) {
	row := t.tx.QueryRow(`SELECT `+runColumns()+` FROM agent_runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "run", ID: runID}
	}
	return r, err
}

func (t *sqliteTx) CreateRun(r *domain.AgentRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := t.tx.Exec(`INSERT INTO agent_runs (`+runColumns()+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.WorkspaceID, r.AgentID, nullableStrPtr(r.ParentRunID), nullableStrPtr(r.StartedBy), r.CorrelationID,
		r.Status, r.Channel, boolToInt(r.CancelRequested), r.MaxSteps, r.MaxToolCalls, r.CurrentStepIndex,
		r.LockedBy, nullTimeStr(r.LockedAt), nullTimeStr(r.LockExpiresAt), r.LockedTaskID, r.InputText, r.FinalText,
		nullTimeStr(r.StartedAt), nullTimeStr(r.EndedAt), nullTimeStr(r.ArchivedAt), r.ErrorSummary,
		timeStr(r.CreatedAt), timeStr(r.UpdatedAt))
	return err
}

func (t *sqliteTx) SaveRun(r *domain.AgentRun) error {
	r.UpdatedAt = time.Now()
	_, err := t.tx.Exec(`UPDATE agent_runs SET
		status=?, cancel_requested=?, current_step_index=?, locked_by=?, locked_at=?, lock_expires_at=?,
		locked_task_id=?, final_text=?, started_at=?, ended_at=?, archived_at=?, error_summary=?, updated_at=?
		WHERE id = ?`,
		r.Status, boolToInt(r.CancelRequested), r.CurrentStepIndex, r.LockedBy, nullTimeStr(r.LockedAt),
		nullTimeStr(r.LockExpiresAt), r.LockedTaskID, r.FinalText, nullTimeStr(r.StartedAt), nullTimeStr(r.EndedAt),
		nullTimeStr(r.ArchivedAt), r.ErrorSummary, timeStr(r.UpdatedAt), r.ID)
	return err
}

func (t *sqliteTx) NextSeq(runID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := t.tx.QueryRow(`SELECT MAX(seq) FROM run_events WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	return maxSeq.Int64 + 1, nil
}

func (t *sqliteTx) InsertStep(st *domain.AgentStep) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(`INSERT INTO agent_steps (id, run_id, step_index, kind, payload, correlation_id, created_at)
		VALUES (?,?,?,?,?,?,?)`, st.ID, st.RunID, st.StepIndex, st.Kind, marshalJSON(st.Payload), st.CorrelationID, timeStr(st.CreatedAt))
	return err
}

func (t *sqliteTx) InsertEvent(ev *domain.RunEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(`INSERT INTO run_events (id, run_id, seq, event_type, payload, correlation_id, created_at)
		VALUES (?,?,?,?,?,?,?)`, ev.ID, ev.RunID, ev.Seq, ev.EventType, marshalJSON(ev.Payload), ev.CorrelationID, timeStr(ev.CreatedAt))
	return err
}

func (t *sqliteTx) InsertSubrunLink(link *domain.SubrunLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(`INSERT INTO subrun_links
		(parent_run_id, child_run_id, group_id, join_policy, quorum, timeout_seconds, failure_policy, metadata, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		link.ParentRunID, link.ChildRunID, link.GroupID, link.JoinPolicy, nullableIntPtr(link.Quorum),
		nullableIntPtr(link.TimeoutSeconds), link.FailurePolicy, marshalJSON(link.Metadata), timeStr(link.CreatedAt))
	return err
}

func scanSubrunLink(row rowScanner) (*domain.SubrunLink, error) {
	var link domain.SubrunLink
	var quorum, timeoutSeconds sql.NullInt64
	var metadata, createdAt string
	if err := row.Scan(&link.ParentRunID, &link.ChildRunID, &link.GroupID, &link.JoinPolicy, &quorum,
		&timeoutSeconds, &link.FailurePolicy, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if quorum.Valid {
		v := int(quorum.Int64)
		link.Quorum = &v
	}
	if timeoutSeconds.Valid {
		v := int(timeoutSeconds.Int64)
		link.TimeoutSeconds = &v
	}
	link.Metadata = unmarshalJSON(metadata)
	link.CreatedAt, _ = time.Parse(timeFmt, createdAt)
	return &link, nil
}

const subrunLinkColumns = `parent_run_id, child_run_id, group_id, join_policy, quorum, timeout_seconds, failure_policy, metadata, created_at`

func (t *sqliteTx) GetSubrunLink(parentRunID, childRunID string) (*domain.SubrunLink, error) {
	row := t.tx.QueryRow(`SELECT `+subrunLinkColumns+` FROM subrun_links WHERE parent_run_id = ? AND child_run_id = ?`, parentRunID, childRunID)
	link, err := scanSubrunLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "subrun_link", ID: parentRunID + "/" + childRunID}
	}
	return link, err
}

func (t *sqliteTx) ListSubrunLinksByGroup(groupID string) ([]domain.SubrunLink, error) {
	rows, err := t.tx.Query(`SELECT `+subrunLinkColumns+` FROM subrun_links WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.SubrunLink{}
	for rows.Next() {
		link, err := scanSubrunLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *link)
	}
	return out, rows.Err()
}

func (t *sqliteTx) ListChildRuns(parentRunID string) ([]domain.AgentRun, error) {
	rows, err := t.tx.Query(`SELECT `+runColumns()+` FROM agent_runs WHERE parent_run_id = ? ORDER BY created_at`, parentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (t *sqliteTx) UpsertToolCall(tc *domain.ToolCall) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(`INSERT INTO tool_calls (`+toolCallColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, approved_by=excluded.approved_by,
			approved_at=excluded.approved_at, started_at=excluded.started_at, ended_at=excluded.ended_at,
			exit_code=excluded.exit_code, stdout=excluded.stdout, stderr=excluded.stderr, result=excluded.result`,
		tc.ID, tc.RunID, tc.StepID, tc.ToolName, marshalJSON(tc.Args), tc.RiskLevel, boolToInt(tc.RequiresApproval),
		tc.Status, nullableStrPtr(tc.ApprovedBy), nullTimeStr(tc.ApprovedAt), nullTimeStr(tc.StartedAt),
		nullTimeStr(tc.EndedAt), nullableIntPtr(tc.ExitCode), tc.Stdout, tc.Stderr, marshalJSON(tc.Result), tc.CorrelationID)
	return err
}

func (t *sqliteTx) GetToolCall(id string) (*domain.ToolCall, error) {
	row := t.tx.QueryRow(`SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, id)
	tc, err := scanToolCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFound{Kind: "tool_call", ID: id}
	}
	return tc, err
}

func (t *sqliteTx) InsertArchive(a *domain.RunArchive) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(`INSERT INTO run_archives (id, run_id, archive_path, summary, notes, created_at)
		VALUES (?,?,?,?,?,?)`, a.ID, a.RunID, a.ArchivePath, marshalJSON(a.Summary), a.Notes, timeStr(a.CreatedAt))
	return err
}

func (t *sqliteTx) DeleteEventsOlderThan(runID string, eventTypes []string, cutoff time.Time) (int64, error) {
	if len(eventTypes) == 0 {
		return 0, nil
	}
	placeholders := ""
	args := []any{runID}
	for i, et := range eventTypes {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, et)
	}
	args = append(args, timeStr(cutoff))

	res, err := t.tx.Exec(`DELETE FROM run_events WHERE run_id = ? AND event_type IN (`+placeholders+`) AND created_at < ?`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqliteTx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return err
	}
	t.committed = true
	for _, fn := range t.onCommit {
		fn()
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.committed {
		return nil
	}
	t.rolledBack = true
	return t.tx.Rollback()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableStrPtr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return nullStr(*p)
}

func nullableIntPtr(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
