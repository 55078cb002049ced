package quota

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisManager is a shared-KV Manager for multi-node deployments, grounded
// on the original system's QuotaManager: incr+expire for RATE windows,
// sadd/scard/srem for CONCURRENCY sets.
type RedisManager struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisManager wraps an existing client. prefix namespaces all keys
// (e.g. "agentmaestro:quota:") so a shared Redis instance can host other
// tenants.
func NewRedisManager(rdb *redis.Client, prefix string) *RedisManager {
	return &RedisManager{rdb: rdb, prefix: prefix}
}

func (m *RedisManager) rateKey(key Key, scopeID string) string {
	return m.prefix + "rate:" + string(key) + ":" + scopeID
}

func (m *RedisManager) setKey(key Key, scopeID string) string {
	return m.prefix + "conc:" + string(key) + ":" + scopeID
}

// CheckRate atomically increments the window counter and sets its
// expiration on first write, matching the original's incr-then-expire
// pipeline (a no-op pipeline entry on subsequent increments, since Redis
// EXPIRE is idempotent and harmless to reissue — but we only issue it on
// count==1 to avoid resetting an in-flight window on every request).
func (m *RedisManager) CheckRate(ctx context.Context, key Key, scopeID string, bypass bool) error {
	limit, ok := Registry[key]
	if !ok || limit.Kind != KindRate {
		return nil
	}

	rk := m.rateKey(key, scopeID)
	pipe := m.rdb.TxPipeline()
	incr := pipe.Incr(ctx, rk)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	count := int(incr.Val())
	if count == 1 {
		if err := m.rdb.Expire(ctx, rk, limit.Window).Err(); err != nil {
			return err
		}
	}

	if bypass {
		return nil
	}
	if max := limit.MaxRequests(); count > max {
		return limitExceeded(key, count, max)
	}
	return nil
}

// AcquireConcurrency adds member to the set, rejecting when it is already
// at capacity. Cardinality and membership are checked before the add so a
// rejected caller never leaves a phantom member behind.
func (m *RedisManager) AcquireConcurrency(ctx context.Context, key Key, scopeID, member string) error {
	limit, ok := Registry[key]
	if !ok || limit.Kind != KindConcurrency {
		return nil
	}

	sk := m.setKey(key, scopeID)
	isMember, err := m.rdb.SIsMember(ctx, sk, member).Result()
	if err != nil {
		return err
	}
	if !isMember {
		card, err := m.rdb.SCard(ctx, sk).Result()
		if err != nil {
			return err
		}
		if int(card) >= limit.MaxConcurrency {
			return limitExceeded(key, int(card), limit.MaxConcurrency)
		}
	}
	return m.rdb.SAdd(ctx, sk, member).Err()
}

// ReleaseConcurrency removes member from the set. SREM on a missing member
// or key is a no-op in Redis, so this is naturally idempotent.
func (m *RedisManager) ReleaseConcurrency(ctx context.Context, key Key, scopeID, member string) error {
	return m.rdb.SRem(ctx, m.setKey(key, scopeID), member).Err()
}
