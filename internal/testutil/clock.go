// Package testutil holds shared helpers for deterministic tests.
package testutil

import (
	"sync"
	"time"
)

// ManualClock is a thread-safe wall clock for tests.
//
// Time never moves on its own; tests advance it explicitly. This makes TTL
// expiry and grace-window behavior deterministic regardless of test runtime.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current instant without advancing.
// Pass this method as the clock option of the component under test.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to a specific instant.
// Used for test reuse; callers must only move time forward within one test.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
