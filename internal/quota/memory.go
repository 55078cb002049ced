package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryManager is a single-process Manager backed by in-memory maps,
// generalizing the host ratelimit.Limiter's mutex-guarded counter/set
// pattern from per-agent concurrency tracking to the full RATE+CONCURRENCY
// model. Suitable for tests and single-node deployments; production
// multi-node deployments use the redis-backed Manager instead.
type MemoryManager struct {
	mu sync.Mutex

	// rate windows, keyed by "key:scopeID"
	windows map[string]*rateWindow

	// concurrency sets, keyed by "key:scopeID" -> member -> expiry
	sets map[string]map[string]time.Time

	now func() time.Time
}

type rateWindow struct {
	count     int
	expiresAt time.Time
}

// NewMemoryManager constructs a MemoryManager using time.Now for all clock
// reads.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		windows: make(map[string]*rateWindow),
		sets:    make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

func scopeKey(key Key, scopeID string) string {
	return string(key) + ":" + scopeID
}

// CheckRate implements a fixed-window counter: increment, then expire the
// whole window on first set (mirrors the Redis incr+expire pipeline this
// backend stands in for).
func (m *MemoryManager) CheckRate(ctx context.Context, key Key, scopeID string, bypass bool) error {
	limit, ok := Registry[key]
	if !ok || limit.Kind != KindRate {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	sk := scopeKey(key, scopeID)
	w, ok := m.windows[sk]
	if !ok || now.After(w.expiresAt) {
		w = &rateWindow{count: 0, expiresAt: now.Add(limit.Window)}
		m.windows[sk] = w
	}
	w.count++

	if bypass {
		return nil
	}
	if max := limit.MaxRequests(); w.count > max {
		return limitExceeded(key, w.count, max)
	}
	return nil
}

// AcquireConcurrency adds member to the set for key/scopeID, rejecting if
// the set is already at its configured cardinality.
func (m *MemoryManager) AcquireConcurrency(ctx context.Context, key Key, scopeID, member string) error {
	limit, ok := Registry[key]
	if !ok || limit.Kind != KindConcurrency {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sk := scopeKey(key, scopeID)
	set, ok := m.sets[sk]
	if !ok {
		set = make(map[string]time.Time)
		m.sets[sk] = set
	}

	if _, held := set[member]; !held && len(set) >= limit.MaxConcurrency {
		return limitExceeded(key, len(set), limit.MaxConcurrency)
	}
	set[member] = m.now().Add(24 * time.Hour)
	return nil
}

// ReleaseConcurrency removes member from the set. Idempotent: releasing a
// member that was never held, or an unknown scope, is a no-op.
func (m *MemoryManager) ReleaseConcurrency(ctx context.Context, key Key, scopeID, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sk := scopeKey(key, scopeID)
	if set, ok := m.sets[sk]; ok {
		delete(set, member)
	}
	return nil
}

// Cardinality reports the current held-member count for key/scopeID.
// Exposed for tests and metrics; not part of the Manager interface.
func (m *MemoryManager) Cardinality(key Key, scopeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[scopeKey(key, scopeID)])
}
