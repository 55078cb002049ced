package archival

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

func newArchiver(t *testing.T) (*Archiver, *store.SQLiteStore, string) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	bc := &pushbus.Broadcaster{Bus: pushbus.NewInMemoryBus()}

	return &Archiver{
		Store:       s,
		Broadcaster: bc,
		ArchiveRoot: root,
	}, s, root
}

func seedTerminalRun(t *testing.T, s *store.SQLiteStore, id string, endedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	run := &domain.AgentRun{ID: id, WorkspaceID: "ws-1", AgentID: "agent-1", Status: domain.RunCompleted, Channel: domain.ChannelAPI, EndedAt: &endedAt}
	if err := tx.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCreateCheckpointWritesCompressedFileAndArchiveRow(t *testing.T) {
	a, s, root := newArchiver(t)
	ctx := context.Background()
	seedTerminalRun(t, s, "run-1", time.Now().UTC())

	archive, err := a.CreateCheckpoint(ctx, "run-1", true)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if filepath.Ext(archive.ArchivePath) != ".zip" {
		t.Fatalf("expected .zip archive, got %s", archive.ArchivePath)
	}
	if _, err := os.Stat(archive.ArchivePath); err != nil {
		t.Fatalf("expected archive file to exist: %v", err)
	}
	if filepath.Dir(archive.ArchivePath) != filepath.Join(root, "run-1") {
		t.Fatalf("expected archive under run subdir, got %s", archive.ArchivePath)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	events, err := s.ListEventsSince(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.EventType == "run_archived" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected run_archived event to be recorded")
	}
}

func TestCompactEventsDeletesOldVerboseEvents(t *testing.T) {
	a, s, _ := newArchiver(t)
	a.RetentionDays = 1
	a.VerboseEventTypes = []string{"token_stream"}
	ctx := context.Background()
	seedTerminalRun(t, s, "run-2", time.Now().UTC())

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	old := &domain.RunEvent{RunID: "run-2", Seq: 1, EventType: "token_stream", Payload: map[string]any{}, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	if err := tx.InsertEvent(old); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	n, err := a.CompactEvents(ctx, "run-2", 1, nil)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row compacted, got %d", n)
	}
}

func TestArchiveCompletedRunsStampsArchivedAt(t *testing.T) {
	a, s, _ := newArchiver(t)
	ctx := context.Background()
	seedTerminalRun(t, s, "run-3", time.Now().UTC().Add(-72*time.Hour))

	results, err := a.ArchiveCompletedRuns(ctx, 1, 10, true)
	if err != nil {
		t.Fatalf("archive completed: %v", err)
	}
	if len(results) != 1 || results[0].RunID != "run-3" {
		t.Fatalf("expected run-3 archived, got %v", results)
	}

	run, err := s.GetRun(ctx, "run-3")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ArchivedAt == nil {
		t.Fatal("expected archived_at to be stamped")
	}
}

func TestPurgeOldArchivesRemovesRowAndFile(t *testing.T) {
	a, s, root := newArchiver(t)
	ctx := context.Background()
	seedTerminalRun(t, s, "run-4", time.Now().UTC())

	agedPath := filepath.Join(root, "run-4", "run_snapshot_aged.json")
	if err := os.MkdirAll(filepath.Dir(agedPath), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(agedPath, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write aged file: %v", err)
	}

	aged := &domain.RunArchive{
		RunID:       "run-4",
		ArchivePath: agedPath,
		Summary:     map[string]any{},
		CreatedAt:   time.Now().UTC().Add(-200 * 24 * time.Hour),
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.InsertArchive(aged); err != nil {
		t.Fatalf("insert aged archive: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	deleted, err := a.PurgeOldArchives(ctx, 90)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted < 1 {
		t.Fatalf("expected at least 1 archive purged, got %d", deleted)
	}
	if _, err := os.Stat(agedPath); !os.IsNotExist(err) {
		t.Fatalf("expected archive file removed, stat err=%v", err)
	}
}
