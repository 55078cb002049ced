// archive_runs checkpoints terminal runs older than a cutoff to disk,
// optionally compacting their verbose event history, per §6.6.
//
// Usage:
//
//	archive-runs --older-than 30 [--limit 100] [--compact] [--verbose-events token_stream,debug_log]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agentmaestro/agentmaestro/internal/archival"
	"github.com/agentmaestro/agentmaestro/internal/config"
	"github.com/agentmaestro/agentmaestro/internal/pushbus"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

func main() {
	var (
		configPath    string
		olderThanDays int
		limit         int
		compact       bool
		verboseEvents string
	)
	flag.StringVar(&configPath, "config", "", "path to a JSON config file (overlaid by AGENTMAESTRO_* env vars)")
	flag.IntVar(&olderThanDays, "older-than", 30, "archive terminal runs that ended more than this many days ago")
	flag.IntVar(&limit, "limit", 100, "maximum number of runs to archive in one pass")
	flag.BoolVar(&compact, "compact", false, "also delete verbose event rows older than the retention window")
	flag.StringVar(&verboseEvents, "verbose-events", "", "comma-separated event types --compact deletes (default: config's verbose_event_types list)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer st.Close()

	verboseEventTypes := cfg.VerboseEventTypes
	if verboseEvents != "" {
		verboseEventTypes = strings.Split(verboseEvents, ",")
	}

	archiver := &archival.Archiver{
		Store:             st,
		Broadcaster:       &pushbus.Broadcaster{Bus: pushbus.NewInMemoryBus()},
		ArchiveRoot:       cfg.ArchiveRoot,
		RetentionDays:     cfg.EventRetentionDays,
		VerboseEventTypes: verboseEventTypes,
	}

	results, err := archiver.ArchiveCompletedRuns(ctx, olderThanDays, limit, compact)
	if err != nil {
		fmt.Fprintln(os.Stderr, "archive_completed_runs:", err)
		os.Exit(1)
	}

	for _, r := range results {
		fmt.Printf("archived run=%s checkpoint=%s compacted_events=%d\n", r.RunID, r.ArchivePath, r.Compacted)
	}
	fmt.Printf("done: %d run(s) archived\n", len(results))
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "pgx":
		return store.OpenPG(ctx, cfg.StoreDSN)
	case "sqlite", "":
		return store.OpenSQLite(cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown store_driver %q", cfg.StoreDriver)
	}
}
