// Package archival implements Archival (C10): writing a JSON checkpoint
// of a terminal run's full snapshot to disk, compacting verbose event
// rows once they age past retention, sweeping terminal unarchived runs,
// and purging archive rows (plus their on-disk files) past their own
// retention window. Grounded on original_source's
// runs/services/checkpoints.py.
package archival

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/journal"
	"github.com/agentmaestro/agentmaestro/internal/snapshot"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

const defaultVerboseEventType = "token_stream"

// Archiver writes run checkpoints and compacts/purges their history.
type Archiver struct {
	Store       store.Store
	Broadcaster journal.Broadcaster

	// ArchiveRoot is the directory checkpoint bundles are written under,
	// one subdirectory per run id.
	ArchiveRoot string
	// RetentionDays governs compact_events' default cutoff when a call
	// site doesn't pass one explicitly.
	RetentionDays int
	// VerboseEventTypes are the event types compact_events deletes by
	// default.
	VerboseEventTypes []string

	now func() time.Time
}

func (a *Archiver) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now().UTC()
}

func (a *Archiver) retentionDays() int {
	if a.RetentionDays > 0 {
		return a.RetentionDays
	}
	return 30
}

func (a *Archiver) verboseEventTypes() []string {
	if len(a.VerboseEventTypes) > 0 {
		return a.VerboseEventTypes
	}
	return []string{defaultVerboseEventType, "debug_log"}
}

func serializeSnapshot(snap *snapshot.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func (a *Archiver) checkpointDir(runID string) string {
	return filepath.Join(a.ArchiveRoot, runID)
}

// CreateCheckpoint implements create_checkpoint(run, compress=true):
// serializes the run's full snapshot to JSON, optionally ZIP-wraps it,
// writes it under ArchiveRoot/<run_id>/, records a RunArchive row, and
// emits run_archived on both the run and workspace streams.
func (a *Archiver) CreateCheckpoint(ctx context.Context, runID string, compress bool) (*domain.RunArchive, error) {
	snap, err := snapshot.Get(ctx, a.Store, runID, nil)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for checkpoint: %w", err)
	}

	serialized, err := serializeSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("serialize snapshot: %w", err)
	}

	dir := a.checkpointDir(runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	timestamp := a.clock()
	baseName := fmt.Sprintf("run_snapshot_%s.json", timestamp.Format("20060102150405"))
	archivePath := filepath.Join(dir, baseName)
	if compress {
		archivePath += ".zip"
		if err := writeZip(archivePath, baseName, serialized); err != nil {
			return nil, fmt.Errorf("write compressed checkpoint: %w", err)
		}
	} else if err := os.WriteFile(archivePath, serialized, 0o600); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}

	summary := map[string]any{
		"status":  string(snap.Run.Status),
		"steps":   len(snap.Steps),
		"events":  len(snap.EventsSinceSeq),
		"created": timestamp,
	}
	notes := fmt.Sprintf("Checkpoint created with retention %d days.", a.retentionDays())

	archive := &domain.RunArchive{
		RunID:       runID,
		ArchivePath: archivePath,
		Summary:     summary,
		Notes:       notes,
		CreatedAt:   timestamp,
	}

	tx, err := a.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertArchive(archive); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	payload := map[string]any{
		"archive_id":   archive.ID,
		"archive_path": archive.ArchivePath,
		"summary":      summary,
		"notes":        notes,
	}
	if _, err := journal.AppendEvent(tx, a.Broadcaster, runID, "run_archived", payload, "", journal.BroadcastOpts{
		BroadcastToWorkspace:   true,
		WorkspaceSummaryLabel: "run_archived",
	}); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return archive, nil
}

func writeZip(archivePath, entryName string, data []byte) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(entryName)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(archivePath, buf.Bytes(), 0o600)
}

// CompactEvents implements compact_events(run, retention_days,
// verbose_types): deletes events of the given types older than the
// retention cutoff, returning the number of rows removed. A zero
// retentionDays or nil eventTypes falls back to the Archiver's
// configured defaults.
func (a *Archiver) CompactEvents(ctx context.Context, runID string, retentionDays int, eventTypes []string) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = a.retentionDays()
	}
	if eventTypes == nil {
		eventTypes = a.verboseEventTypes()
	}
	cutoff := a.clock().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	tx, err := a.Store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	n, err := tx.DeleteEventsOlderThan(runID, eventTypes, cutoff)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// ArchivedRunResult reports the outcome of archiving one run within
// ArchiveCompletedRuns.
type ArchivedRunResult struct {
	RunID       string
	ArchivePath string
	Compacted   int64
}

// ArchiveCompletedRuns implements archive_completed_runs: finds terminal
// runs older than olderThanDays with no prior archive, checkpoints each,
// optionally compacts its events, and stamps archived_at.
func (a *Archiver) ArchiveCompletedRuns(ctx context.Context, olderThanDays int, limit int, compact bool) ([]ArchivedRunResult, error) {
	cutoff := a.clock().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	runs, err := a.Store.ListTerminalUnarchivedRuns(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}

	results := make([]ArchivedRunResult, 0, len(runs))
	for _, run := range runs {
		archive, err := a.CreateCheckpoint(ctx, run.ID, true)
		if err != nil {
			return results, fmt.Errorf("checkpoint run %s: %w", run.ID, err)
		}

		var compacted int64
		if compact {
			compacted, err = a.CompactEvents(ctx, run.ID, a.retentionDays(), a.verboseEventTypes())
			if err != nil {
				return results, fmt.Errorf("compact events for run %s: %w", run.ID, err)
			}
		}

		if err := a.stampArchivedAt(ctx, run.ID); err != nil {
			return results, fmt.Errorf("stamp archived_at for run %s: %w", run.ID, err)
		}

		results = append(results, ArchivedRunResult{RunID: run.ID, ArchivePath: archive.ArchivePath, Compacted: compacted})
	}
	return results, nil
}

func (a *Archiver) stampArchivedAt(ctx context.Context, runID string) error {
	tx, err := a.Store.Begin(ctx)
	if err != nil {
		return err
	}
	run, err := tx.LockRun(runID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	archivedAt := a.clock()
	run.ArchivedAt = &archivedAt
	if err := tx.SaveRun(run); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// PurgeOldArchives implements purge_old_archives: deletes RunArchive rows
// (and their on-disk files, tolerating files already missing) older than
// olderThanDays, returning the count removed.
func (a *Archiver) PurgeOldArchives(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := a.clock().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	archives, err := a.Store.ListArchivesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, archive := range archives {
		if err := os.Remove(archive.ArchivePath); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("remove archive file %s: %w", archive.ArchivePath, err)
		}
		if err := a.Store.DeleteArchive(ctx, archive.ID); err != nil {
			return deleted, fmt.Errorf("delete archive row %s: %w", archive.ID, err)
		}
		deleted++
	}
	return deleted, nil
}
