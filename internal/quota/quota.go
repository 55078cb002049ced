// Package quota implements the Quota Manager (C1): named RATE and
// CONCURRENCY limits scoped to a workspace, run, or user. It admits or
// rejects attempts to consume a resource and exposes the composite
// acquire_run_slots/release_run_slots operation used by the ticker and
// subrun controller.
package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/metrics"
)

// Kind distinguishes the two limit shapes.
type Kind string

const (
	KindRate        Kind = "RATE"
	KindConcurrency Kind = "CONCURRENCY"
)

// Key names one of the enumerated limits.
type Key string

const (
	RunCreation            Key = "RUN_CREATION"
	SpawnSubrun            Key = "SPAWN_SUBRUN"
	Snapshot               Key = "SNAPSHOT"
	RunTick                Key = "RUN_TICK"
	ConcurrentParentRuns   Key = "CONCURRENT_PARENT_RUNS"
	ConcurrentTotalRuns    Key = "CONCURRENT_TOTAL_RUNS"
	ConcurrentToolCallsWS  Key = "CONCURRENT_TOOL_CALLS_WS"
	ConcurrentToolCallsRun Key = "CONCURRENT_TOOL_CALLS_RUN"
	WSConnectionsWorkspace Key = "WS_CONNECTIONS_WORKSPACE"
	WSConnectionsUser      Key = "WS_CONNECTIONS_USER"
)

// Limit describes one enumerated limit's bound.
type Limit struct {
	Key               Key
	Kind              Kind
	RequestsPerSecond float64       // RATE only
	Window            time.Duration // RATE only
	MaxConcurrency    int           // CONCURRENCY only
}

// MaxRequests returns ceil(rps * window) — the fixed-window cap, per §4.1.
func (l Limit) MaxRequests() int {
	return int(math.Ceil(l.RequestsPerSecond * l.Window.Seconds()))
}

// Registry is the enumerated limit table from spec §4.1, sourced from the
// original system's core/services/limits.py LIMIT_CONFIGS (the RATE figures
// there are load-test-derived throughput with a 25% safety margin).
var Registry = map[Key]Limit{
	RunCreation: {Key: RunCreation, Kind: KindRate, RequestsPerSecond: 10.29, Window: time.Second},
	SpawnSubrun: {Key: SpawnSubrun, Kind: KindRate, RequestsPerSecond: 2.14, Window: time.Second},
	Snapshot:    {Key: Snapshot, Kind: KindRate, RequestsPerSecond: 18.49, Window: time.Second},
	RunTick:     {Key: RunTick, Kind: KindRate, RequestsPerSecond: 41.0, Window: time.Second},

	ConcurrentParentRuns:   {Key: ConcurrentParentRuns, Kind: KindConcurrency, MaxConcurrency: 5},
	ConcurrentTotalRuns:    {Key: ConcurrentTotalRuns, Kind: KindConcurrency, MaxConcurrency: 12},
	ConcurrentToolCallsWS:  {Key: ConcurrentToolCallsWS, Kind: KindConcurrency, MaxConcurrency: 6},
	ConcurrentToolCallsRun: {Key: ConcurrentToolCallsRun, Kind: KindConcurrency, MaxConcurrency: 1},
	WSConnectionsWorkspace: {Key: WSConnectionsWorkspace, Kind: KindConcurrency, MaxConcurrency: 20},
	WSConnectionsUser:      {Key: WSConnectionsUser, Kind: KindConcurrency, MaxConcurrency: 5},
}

// Manager admits or rejects attempts to consume a named resource. Backends
// (in-memory, redis) implement this against a shared counter store.
type Manager interface {
	// CheckRate increments the RATE counter for key scoped to scopeID and
	// returns LimitExceeded if the post-increment count exceeds the bound.
	// Bypassed entirely when bypass is true.
	CheckRate(ctx context.Context, key Key, scopeID string, bypass bool) error

	// AcquireConcurrency adds member to the CONCURRENCY set for key scoped
	// to scopeID, rejecting if the set is already at capacity.
	AcquireConcurrency(ctx context.Context, key Key, scopeID, member string) error

	// ReleaseConcurrency removes member from the set. Idempotent.
	ReleaseConcurrency(ctx context.Context, key Key, scopeID, member string) error
}

// AcquireRunSlots is the composite operation from §4.1: acquire
// CONCURRENT_TOTAL_RUNS, then (if includeParent) CONCURRENT_PARENT_RUNS; on
// failure of the second, release the first so partial acquisition never
// leaks a held slot.
func AcquireRunSlots(ctx context.Context, m Manager, workspaceID, runID string, includeParent bool) error {
	if err := m.AcquireConcurrency(ctx, ConcurrentTotalRuns, workspaceID, runID); err != nil {
		return err
	}
	if includeParent {
		if err := m.AcquireConcurrency(ctx, ConcurrentParentRuns, workspaceID, runID); err != nil {
			_ = m.ReleaseConcurrency(ctx, ConcurrentTotalRuns, workspaceID, runID)
			return err
		}
	}
	return nil
}

// ReleaseRunSlots is the symmetric, idempotent release of AcquireRunSlots.
func ReleaseRunSlots(ctx context.Context, m Manager, workspaceID, runID string, includeParent bool) error {
	if includeParent {
		if err := m.ReleaseConcurrency(ctx, ConcurrentParentRuns, workspaceID, runID); err != nil {
			return err
		}
	}
	return m.ReleaseConcurrency(ctx, ConcurrentTotalRuns, workspaceID, runID)
}

func limitExceeded(key Key, current, max int) error {
	l := Registry[key]
	metrics.RecordQuotaRejection(string(key))
	return &errs.LimitExceeded{LimitKey: string(key), LimitName: fmt.Sprintf("%s(%s)", key, l.Kind), Current: current, Max: max}
}
