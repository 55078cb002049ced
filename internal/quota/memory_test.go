package quota

import (
	"context"
	"testing"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/errs"
)

func TestCheckRateAllowsUpToBound(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	max := Registry[Snapshot].MaxRequests() // ceil(18.49*1) = 19
	for i := 0; i < max; i++ {
		if err := m.CheckRate(ctx, Snapshot, "ws-1", false); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
	if err := m.CheckRate(ctx, Snapshot, "ws-1", false); !errs.IsLimitExceeded(err) {
		t.Fatalf("expected LimitExceeded, got %v", err)
	}
}

func TestCheckRateBypass(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()
	max := Registry[RunCreation].MaxRequests()
	for i := 0; i < max+5; i++ {
		if err := m.CheckRate(ctx, RunCreation, "ws-1", true); err != nil {
			t.Fatalf("bypass should never reject: %v", err)
		}
	}
}

func TestCheckRateWindowResets(t *testing.T) {
	m := NewMemoryManager()
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }
	ctx := context.Background()

	max := Registry[RunTick].MaxRequests()
	for i := 0; i < max; i++ {
		if err := m.CheckRate(ctx, RunTick, "ws-1", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := m.CheckRate(ctx, RunTick, "ws-1", false); err == nil {
		t.Fatal("expected limit exceeded before window reset")
	}

	fakeNow = fakeNow.Add(2 * time.Second)
	if err := m.CheckRate(ctx, RunTick, "ws-1", false); err != nil {
		t.Fatalf("expected fresh window to allow request, got %v", err)
	}
}

func TestAcquireConcurrencyRejectsAtCapacity(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	max := Registry[ConcurrentToolCallsWS].MaxConcurrency
	for i := 0; i < max; i++ {
		member := string(rune('a' + i))
		if err := m.AcquireConcurrency(ctx, ConcurrentToolCallsWS, "ws-1", member); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := m.AcquireConcurrency(ctx, ConcurrentToolCallsWS, "ws-1", "overflow"); !errs.IsLimitExceeded(err) {
		t.Fatalf("expected LimitExceeded at capacity, got %v", err)
	}

	if err := m.ReleaseConcurrency(ctx, ConcurrentToolCallsWS, "ws-1", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.AcquireConcurrency(ctx, ConcurrentToolCallsWS, "ws-1", "overflow"); err != nil {
		t.Fatalf("expected acquire to succeed after release, got %v", err)
	}
}

func TestAcquireConcurrencyReacquireIsIdempotent(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	if err := m.AcquireConcurrency(ctx, ConcurrentToolCallsRun, "run-1", "holder"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Re-acquiring the same member must not count twice against capacity.
	if err := m.AcquireConcurrency(ctx, ConcurrentToolCallsRun, "run-1", "holder"); err != nil {
		t.Fatalf("re-acquire of held member should succeed: %v", err)
	}
}

func TestReleaseConcurrencyIsIdempotent(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()
	if err := m.ReleaseConcurrency(ctx, ConcurrentToolCallsWS, "ws-unknown", "ghost"); err != nil {
		t.Fatalf("releasing unheld member should be a no-op, got %v", err)
	}
}

func TestAcquireReleaseRunSlots(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	if err := AcquireRunSlots(ctx, m, "ws-1", "run-1", true); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := m.Cardinality(ConcurrentTotalRuns, "ws-1"); got != 1 {
		t.Errorf("expected total runs cardinality 1, got %d", got)
	}
	if got := m.Cardinality(ConcurrentParentRuns, "ws-1"); got != 1 {
		t.Errorf("expected parent runs cardinality 1, got %d", got)
	}

	if err := ReleaseRunSlots(ctx, m, "ws-1", "run-1", true); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := m.Cardinality(ConcurrentTotalRuns, "ws-1"); got != 0 {
		t.Errorf("expected total runs cardinality 0 after release, got %d", got)
	}
}

func TestAcquireRunSlotsRollsBackOnParentFailure(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	// Fill the parent-run slot set to capacity first.
	max := Registry[ConcurrentParentRuns].MaxConcurrency
	for i := 0; i < max; i++ {
		member := "filler-" + string(rune('a'+i))
		if err := m.AcquireConcurrency(ctx, ConcurrentParentRuns, "ws-1", member); err != nil {
			t.Fatalf("filler acquire %d: %v", i, err)
		}
	}

	if err := AcquireRunSlots(ctx, m, "ws-1", "run-overflow", true); !errs.IsLimitExceeded(err) {
		t.Fatalf("expected LimitExceeded, got %v", err)
	}
	// The CONCURRENT_TOTAL_RUNS slot acquired before the parent-run failure
	// must have been released, not leaked.
	if got := m.Cardinality(ConcurrentTotalRuns, "ws-1"); got != 0 {
		t.Errorf("expected total runs slot rolled back, got cardinality %d", got)
	}
}
