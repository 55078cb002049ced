// Package snapshot implements the Snapshot (C4) read-side projection — the
// canonical reconnect primitive clients use after a missed push or a fresh
// WS connection. Grounded on original_source's runs/services/snapshot.py.
package snapshot

import (
	"context"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/store"
)

// Snapshot is the JSON-serializable shape returned to clients: timestamps
// marshal as ISO-8601 via domain's time.Time fields, IDs as plain strings.
type Snapshot struct {
	Run            domain.AgentRun   `json:"run"`
	Steps          []domain.AgentStep `json:"steps"`
	EventsSinceSeq []domain.RunEvent `json:"events_since_seq"`
	ChildRuns      []domain.AgentRun `json:"child_runs"`
}

// Get builds a run's snapshot. When sinceSeq is non-nil, only events with
// seq > *sinceSeq are included — otherwise the full event history.
func Get(ctx context.Context, s store.Store, runID string, sinceSeq *int64) (*Snapshot, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	steps, err := s.ListStepsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var since int64
	if sinceSeq != nil {
		since = *sinceSeq
	}
	events, err := s.ListEventsSince(ctx, runID, since)
	if err != nil {
		return nil, err
	}

	children, err := s.ListChildRuns(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Run:            *run,
		Steps:          steps,
		EventsSinceSeq: events,
		ChildRuns:      children,
	}, nil
}
