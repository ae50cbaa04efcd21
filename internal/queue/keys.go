package queue

import (
	"sync"

	"github.com/google/uuid"
)

// KeyGenerator produces idempotency keys for queued mutations.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type KeyGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 idempotency keys.
//
// UUIDv7 embeds a timestamp in the most significant bits, making keys
// sortable by creation time, which is helpful when correlating queue rows
// with server-side request logs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined keys for testing.
//
// This enables deterministic test execution: tests provide a known sequence
// of keys and can assert on exact queue contents.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewFixedGenerator creates a generator that returns keys in order.
// Panics once all keys are consumed; exhausting the list means the test
// enqueued more mutations than it declared.
func NewFixedGenerator(keys ...string) *FixedGenerator {
	return &FixedGenerator{keys: keys}
}

// Generate returns the next predetermined key.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.keys) {
		panic("queue: FixedGenerator exhausted")
	}
	key := g.keys[g.idx]
	g.idx++
	return key
}
