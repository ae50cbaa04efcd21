// Package queue implements the durable queue of offline mutations.
//
// Records are exclusively owned by this package: the sync orchestrator only
// ever invokes queue operations, it never touches rows directly. Every
// mutation starts pending; a drain pass moves it to processing and then
// either removes it (completed, or retries exhausted) or returns it to
// failed with an incremented retry count.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/csabourin/wampums-sync/internal/action"
	"github.com/csabourin/wampums-sync/internal/store"
)

// RetryCeiling is the number of failed replay attempts after which a
// mutation is dropped. The loss is terminal and silent to the end user
// beyond the diagnostic log; there is no dead-letter store.
const RetryCeiling = 3

// Queue provides enqueue and status-transition operations over queued
// mutations.
type Queue struct {
	store *store.Store
	now   func() time.Time
	keys  KeyGenerator
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithKeyGenerator overrides the idempotency key generator. Used by tests.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(q *Queue) {
		q.keys = gen
	}
}

// New creates a Queue over the store.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store: st,
		now:   time.Now,
		keys:  UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue records a pending mutation with the action type's default
// priority and returns its id. The payload is opaque at this layer; it is
// never validated beyond being bytes.
func (q *Queue) Enqueue(ctx context.Context, t action.Type, payload []byte) (int64, error) {
	return q.EnqueueWithPriority(ctx, t, payload, t.DefaultPriority())
}

// EnqueueWithPriority records a pending mutation with an explicit priority.
// Lower priority values drain first.
func (q *Queue) EnqueueWithPriority(ctx context.Context, t action.Type, payload []byte, priority int) (int64, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("enqueue: unknown action type %q", t)
	}

	id, err := q.store.InsertMutation(ctx, store.Mutation{
		Action:         string(t),
		Payload:        payload,
		Priority:       priority,
		IdempotencyKey: q.keys.Generate(),
		CreatedAt:      q.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", t, err)
	}

	slog.Debug("mutation queued", "id", id, "action", t, "priority", priority)
	return id, nil
}

// ListPending returns the mutations eligible for a drain pass, ordered by
// (priority ascending, creation order). This includes failed records whose
// retry count is still under the ceiling.
func (q *Queue) ListPending(ctx context.Context) ([]store.Mutation, error) {
	muts, err := q.store.SelectReplayable(ctx, RetryCeiling-1)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return muts, nil
}

// MarkProcessing moves a mutation into processing for the current pass.
func (q *Queue) MarkProcessing(ctx context.Context, id int64) error {
	return q.store.UpdateMutationStatus(ctx, id, store.StatusProcessing, q.now())
}

// MarkCompleted removes a successfully replayed mutation.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	return q.store.DeleteMutation(ctx, id)
}

// ResetPending returns an in-flight mutation to pending without counting a
// retry. Used when a pass halts on loss of connectivity: the mutation did
// not fail, the pass did.
func (q *Queue) ResetPending(ctx context.Context, id int64) error {
	return q.store.UpdateMutationStatus(ctx, id, store.StatusPending, q.now())
}

// MarkFailed records a failed replay attempt. Once the retry count reaches
// the ceiling the record is removed and dropped reports true.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) (dropped bool, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	retryCount, err := q.store.FailMutation(ctx, id, msg, q.now())
	if err != nil {
		return false, fmt.Errorf("mark failed %d: %w", id, err)
	}

	if retryCount < RetryCeiling {
		slog.Warn("mutation replay failed, will retry",
			"id", id,
			"retry_count", retryCount,
			"retries_left", RetryCeiling-retryCount,
			"error", msg,
		)
		return false, nil
	}

	if err := q.store.DeleteMutation(ctx, id); err != nil {
		return false, fmt.Errorf("drop exhausted mutation %d: %w", id, err)
	}
	slog.Error("mutation dropped, retries exhausted",
		"id", id,
		"retry_count", retryCount,
		"error", msg,
	)
	return true, nil
}

// ResetStuck returns any mutation stuck in processing longer than the grace
// window back to pending. Run at the start of every pass: a record left in
// processing means a previous pass's host context was torn down mid-replay.
func (q *Queue) ResetStuck(ctx context.Context, grace time.Duration) (int64, error) {
	now := q.now()
	n, err := q.store.ResetProcessingBefore(ctx, now.Add(-grace), now)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	if n > 0 {
		slog.Warn("reset stuck processing mutations", "count", n, "grace", grace)
	}
	return n, nil
}
