// Package store provides durable SQLite storage for the offline layer.
//
// One database file holds three record kinds: cache entries (keyed by
// namespace and string key), queued mutations (auto-increment ids with a
// status index for efficient pending-only scans), and settings (shared
// session state). The store is deliberately dumb: freshness, retry policy,
// and ordering semantics live in the cache and queue packages built on top
// of it.
package store
