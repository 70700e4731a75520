package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// CounterStore holds the shared daily send counters and the dispatcher's
// tick lease. The read-check-increment in Reserve must be atomic so two
// concurrent workers cannot both squeeze past a limit.
type CounterStore interface {
	// Reserve increments key and reports whether the new value stays within
	// limit; when it does not, the increment is rolled back.
	Reserve(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error)
	// Release undoes a reservation that never resulted in a send attempt.
	Release(ctx context.Context, key string) error
	// Count returns the current value of a counter.
	Count(ctx context.Context, key string) (int, error)
	// AcquireLease takes the named lease if it is free, with an expiry so a
	// crashed holder cannot wedge the poll loop.
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ReleaseLease frees the named lease.
	ReleaseLease(ctx context.Context, key string) error
}

// RedisCounterStore backs the counters with Redis so multiple worker
// instances share one view of account and domain usage.
type RedisCounterStore struct {
	Client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{Client: client}
}

func (r *RedisCounterStore) Reserve(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	n, err := r.Client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 && ttl > 0 {
		// Fresh counter; scope it to the day it belongs to.
		if err := r.Client.Expire(ctx, key, ttl).Err(); err != nil {
			return false, err
		}
	}
	if int(n) > limit {
		if err := r.Client.Decr(ctx, key).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *RedisCounterStore) Release(ctx context.Context, key string) error {
	return r.Client.Decr(ctx, key).Err()
}

func (r *RedisCounterStore) Count(ctx context.Context, key string) (int, error) {
	n, err := r.Client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *RedisCounterStore) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, "1", ttl).Result()
}

func (r *RedisCounterStore) ReleaseLease(ctx context.Context, key string) error {
	return r.Client.Del(ctx, key).Err()
}

// MemoryCounterStore is the single-instance fallback used when Redis is
// disabled, and by tests.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	count   int
	expires time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryCounterStore) get(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok || (!e.expires.IsZero() && m.now().After(e.expires)) {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	return e
}

func (m *MemoryCounterStore) Reserve(_ context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(key)
	if e.count+1 > limit {
		return false, nil
	}
	if e.count == 0 && ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	e.count++
	return true, nil
}

func (m *MemoryCounterStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.count > 0 {
		e.count--
	}
	return nil
}

func (m *MemoryCounterStore) Count(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || (!e.expires.IsZero() && m.now().After(e.expires)) {
		return 0, nil
	}
	return e.count, nil
}

func (m *MemoryCounterStore) AcquireLease(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries["lease:"+key]
	if ok && e.count > 0 && m.now().Before(e.expires) {
		return false, nil
	}
	m.entries["lease:"+key] = &memoryEntry{count: 1, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryCounterStore) ReleaseLease(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, "lease:"+key)
	return nil
}
