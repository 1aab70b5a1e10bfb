// Package coordination provides the single-flight lease primitive shared by
// the Retry Scheduler's doc-id coalescing set and the reconciling GC's
// run-exclusion guard. A configured Redis endpoint backs the lease with a
// SET NX PX so multiple orchestrator processes coordinate against one
// metadata store; without Redis it degrades to an in-process mutex-guarded
// map with identical acquire/release semantics.
package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leaser acquires and releases named, TTL-bounded single-flight leases.
type Leaser interface {
	// TryAcquire attempts to take the lease for key, returning false if it is
	// already held. The lease expires after ttl even if never released.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release gives up a lease this process holds. Releasing a lease this
	// process does not hold is a no-op.
	Release(ctx context.Context, key string) error
}

// memLeaser is the in-process fallback: a mutex-guarded map of key to expiry.
type memLeaser struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemLeaser builds the in-process leaser used when no Redis endpoint is
// configured. now defaults to time.Now if nil, overridable in tests.
func NewMemLeaser(now func() time.Time) Leaser {
	if now == nil {
		now = time.Now
	}
	return &memLeaser{expires: make(map[string]time.Time), now: now}
}

func (m *memLeaser) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.expires[key]; ok && exp.After(now) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

func (m *memLeaser) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, key)
	return nil
}

// redisLeaser backs the lease with a Redis SET NX PX, so the coalescing set
// and the GC's single-flight guard hold across every orchestrator process
// sharing the configured Redis instance.
type redisLeaser struct {
	client *redis.Client
	prefix string
}

// NewRedisLeaser wraps an existing client. prefix is prepended to every
// lease key, namespacing this leaser's keys within the Redis instance.
func NewRedisLeaser(client *redis.Client, prefix string) Leaser {
	return &redisLeaser{client: client, prefix: prefix}
}

func (r *redisLeaser) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *redisLeaser) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
