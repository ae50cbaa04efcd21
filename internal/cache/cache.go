// Package cache implements the expiring key-value cache over the durable store.
//
// Expiry marks an entry stale, it does not delete it: Get refuses stale
// entries while GetAllowStale serves them, which is the offline fallback
// path. Entries leave the cache only through explicit invalidation or an
// identical-key overwrite.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/csabourin/wampums-sync/internal/store"
)

// Manager provides get/set/invalidate with TTL semantics over one cache
// namespace.
//
// Storage failures never propagate: a failed read degrades to a cache miss
// and a failed write is dropped with a warning. The caller can always fall
// through to the network, so cache availability is sacrificed for
// correctness.
type Manager struct {
	store     *store.Store
	namespace string
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager bound to one namespace of the store.
func New(st *store.Store, namespace string, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		namespace: namespace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Namespace returns the cache namespace this manager is bound to.
func (m *Manager) Namespace() string {
	return m.namespace
}

// Get returns the stored value only while the entry is fresh.
// A stale or absent entry reports a miss. The stale entry is not deleted;
// it remains reachable through GetAllowStale.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := m.store.GetCacheEntry(ctx, m.namespace, key)
	if err != nil {
		slog.Warn("cache read failed, treating as miss",
			"namespace", m.namespace,
			"key", key,
			"error", err,
		)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	if !m.now().Before(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Value, true
}

// GetAllowStale returns the stored value regardless of expiry.
// Used exclusively as an offline fallback when a live fetch fails.
func (m *Manager) GetAllowStale(ctx context.Context, key string) ([]byte, bool) {
	entry, err := m.store.GetCacheEntry(ctx, m.namespace, key)
	if err != nil {
		slog.Warn("cache stale read failed, treating as miss",
			"namespace", m.namespace,
			"key", key,
			"error", err,
		)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	return entry.Value, true
}

// Set writes or overwrites the entry with the given time-to-live.
// The TTL is a per-call-site policy choice, from minutes for volatile
// per-user data up to a day for rarely-changing configuration.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		// expires_at must be strictly after stored_at
		slog.Warn("cache set with non-positive ttl, clamping",
			"namespace", m.namespace,
			"key", key,
			"ttl", ttl,
		)
		ttl = time.Millisecond
	}

	now := m.now()
	err := m.store.PutCacheEntry(ctx, store.CacheEntry{
		Namespace: m.namespace,
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		slog.Warn("cache write failed, dropping entry",
			"namespace", m.namespace,
			"key", key,
			"error", err,
		)
	}
}

// Invalidate deletes the entry unconditionally.
// Idempotent: invalidating an absent key is a no-op, not an error.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	if err := m.store.DeleteCacheEntry(ctx, m.namespace, key); err != nil {
		slog.Warn("cache invalidate failed",
			"namespace", m.namespace,
			"key", key,
			"error", err,
		)
	}
}
