package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheEntry is one durable cache record.
//
// A stale entry (ExpiresAt in the past) is not deleted automatically; it
// remains readable for offline fallback until explicitly invalidated or
// overwritten.
type CacheEntry struct {
	Namespace string
	Key       string
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// PutCacheEntry writes or overwrites a cache entry.
// An identical-key write replaces the previous value and timestamps.
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, value, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at
	`,
		e.Namespace,
		e.Key,
		e.Value,
		e.StoredAt.UnixMilli(),
		e.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry %s/%s: %w", e.Namespace, e.Key, err)
	}
	return nil
}

// GetCacheEntry reads a cache entry regardless of expiry.
// Returns (nil, nil) when the entry is absent; freshness is the caller's call.
func (s *Store) GetCacheEntry(ctx context.Context, namespace, key string) (*CacheEntry, error) {
	var (
		value     []byte
		storedAt  int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT value, stored_at, expires_at
		FROM cache_entries
		WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&value, &storedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s/%s: %w", namespace, key, err)
	}

	return &CacheEntry{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		StoredAt:  time.UnixMilli(storedAt),
		ExpiresAt: time.UnixMilli(expiresAt),
	}, nil
}

// DeleteCacheEntry removes a cache entry.
// Idempotent: deleting an absent entry is a no-op, not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE namespace = ? AND key = ?
	`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete cache entry %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteCacheNamespacesExcept removes every cache entry whose namespace is
// not in keep. Used on activation to drop namespaces left behind by previous
// versions. Returns the number of rows removed.
func (s *Store) DeleteCacheNamespacesExcept(ctx context.Context, keep ...string) (int64, error) {
	if len(keep) == 0 {
		return 0, errors.New("delete cache namespaces: keep list must not be empty")
	}

	query := "DELETE FROM cache_entries WHERE namespace NOT IN (?"
	args := []any{keep[0]}
	for _, ns := range keep[1:] {
		query += ", ?"
		args = append(args, ns)
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete cache namespaces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete cache namespaces: rows affected: %w", err)
	}
	return n, nil
}

// DeleteAllCacheEntries empties the cache across every namespace.
// Returns the number of rows removed.
func (s *Store) DeleteAllCacheEntries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("delete all cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all cache entries: rows affected: %w", err)
	}
	return n, nil
}

// CountCacheEntries returns the number of entries in a namespace.
// Used for diagnostics and testing.
func (s *Store) CountCacheEntries(ctx context.Context, namespace string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_entries WHERE namespace = ?
	`, namespace).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count cache entries %s: %w", namespace, err)
	}
	return count, nil
}
