package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csabourin/wampums-sync/internal/action"
	"github.com/csabourin/wampums-sync/internal/cache"
	"github.com/csabourin/wampums-sync/internal/gateway"
	"github.com/csabourin/wampums-sync/internal/queue"
	"github.com/csabourin/wampums-sync/internal/store"
	"github.com/csabourin/wampums-sync/internal/testutil"
)

// testEnv wires a syncer over a real store with stubbed replay handlers.
type testEnv struct {
	store  *store.Store
	queue  *queue.Queue
	cache  *cache.Manager
	clock  *testutil.ManualClock
	calls  []string // payload tags in handler dispatch order
	errors map[string]error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewManualClock(time.UnixMilli(1700000000000))
	return &testEnv{
		store:  st,
		queue:  queue.New(st, queue.WithClock(clock.Now)),
		cache:  cache.New(st, "api-v1", cache.WithClock(clock.Now)),
		clock:  clock,
		errors: make(map[string]error),
	}
}

// registry builds an exhaustive registry whose handlers record dispatch
// order and fail according to env.errors, keyed by action type.
func (env *testEnv) registry(t *testing.T) *Registry {
	t.Helper()
	handlers := make(map[action.Type]Handler)
	for _, a := range action.All() {
		a := a
		handlers[a] = func(ctx context.Context, m store.Mutation) error {
			env.calls = append(env.calls, string(a))
			return env.errors[string(a)]
		}
	}
	reg, err := NewRegistry(handlers)
	require.NoError(t, err)
	return reg
}

func (env *testEnv) syncer(t *testing.T, opts ...Option) *Syncer {
	t.Helper()
	return New(env.queue, env.cache, env.registry(t), opts...)
}

func TestDrain_EmptyQueue(t *testing.T) {
	env := newTestEnv(t)
	s := env.syncer(t)

	summary, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Pass)
	assert.Zero(t, summary.Attempted)
	assert.False(t, summary.Halted)
}

func TestDrain_ReplaysInPriorityThenCreationOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A at priority 2, then B and C at priority 1
	_, err := env.queue.EnqueueWithPriority(ctx, action.BatchUpdateParticipantGroups, []byte(`{}`), 2)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.queue.EnqueueWithPriority(ctx, action.UpdateAttendance, []byte(`{}`), 1)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.queue.EnqueueWithPriority(ctx, action.UpdatePoints, []byte(`{}`), 1)
	require.NoError(t, err)

	s := env.syncer(t)
	summary, err := s.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		string(action.UpdateAttendance),
		string(action.UpdatePoints),
		string(action.BatchUpdateParticipantGroups),
	}, env.calls)
	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 3, summary.Completed)

	pending, err := env.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "completed mutations must be removed")
}

func TestDrain_HaltsOnOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Three mutations; the second replay loses connectivity
	_, err := env.queue.EnqueueWithPriority(ctx, action.UpdateAttendance, []byte(`{}`), 1)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.queue.EnqueueWithPriority(ctx, action.UpdatePoints, []byte(`{}`), 1)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.queue.EnqueueWithPriority(ctx, action.AwardHonor, []byte(`{}`), 1)
	require.NoError(t, err)

	env.errors[string(action.UpdatePoints)] = gateway.NewOfflineError(nil)

	s := env.syncer(t)
	summary, err := s.Drain(ctx)
	require.NoError(t, err)

	assert.True(t, summary.Halted)
	assert.Equal(t, 1, summary.Attempted, "the offline replay does not count as attempted")
	assert.Equal(t, 1, summary.Completed)
	assert.Zero(t, summary.Failed)

	// The third mutation was never dispatched
	assert.NotContains(t, env.calls, string(action.AwardHonor))

	// Both interrupted mutations remain pending with retries untouched
	pending, err := env.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, m := range pending {
		assert.Equal(t, store.StatusPending, m.Status)
		assert.Zero(t, m.RetryCount, "halting must not burn a retry")
	}
}

func TestDrain_HaltsOnUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.EnqueueWithPriority(ctx, action.UpdateAttendance, []byte(`{}`), 1)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.queue.EnqueueWithPriority(ctx, action.UpdatePoints, []byte(`{}`), 1)
	require.NoError(t, err)

	env.errors[string(action.UpdateAttendance)] = gateway.NewHTTPError(401, "expired")

	s := env.syncer(t)
	summary, err := s.Drain(ctx)
	require.NoError(t, err)

	assert.True(t, summary.Halted)
	assert.Zero(t, summary.Completed)
	assert.NotContains(t, env.calls, string(action.UpdatePoints))

	pending, err := env.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDrain_FailureCountsRetryAndEventuallyDrops(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.queue.EnqueueWithPriority(ctx, action.UpdateAttendance, []byte(`{}`), 1)
	require.NoError(t, err)

	env.errors[string(action.UpdateAttendance)] = errors.New("server rejected payload")
	s := env.syncer(t)

	// Two failing passes: record stays, retries accumulate
	for pass := 1; pass <= 2; pass++ {
		summary, err := s.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed, "pass %d", pass)
		assert.Zero(t, summary.Dropped, "pass %d", pass)

		m, err := env.store.GetMutation(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, pass, m.RetryCount)
		assert.Equal(t, "server rejected payload", m.LastError)
	}

	// Third failure hits the ceiling: dropped and gone
	summary, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Dropped)

	m, err := env.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, m, "exhausted mutation must be removed")

	// A fourth pass finds nothing to do
	summary, err = s.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)
}

func TestDrain_InvalidatesCacheOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.cache.Set(ctx, "attendance_2026-03-14", []byte(`{"stale":true}`), time.Hour)
	env.cache.Set(ctx, "attendance_2026-03-15", []byte(`{"other":true}`), time.Hour)

	_, err := env.queue.Enqueue(ctx, action.UpdateAttendance, []byte(`{"date":"2026-03-14"}`))
	require.NoError(t, err)

	s := env.syncer(t)
	_, err = s.Drain(ctx)
	require.NoError(t, err)

	_, ok := env.cache.Get(ctx, "attendance_2026-03-14")
	assert.False(t, ok, "replayed day must be invalidated")
	_, ok = env.cache.Get(ctx, "attendance_2026-03-15")
	assert.True(t, ok, "other days must survive")
}

func TestDrain_ReclaimsStuckProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.queue.Enqueue(ctx, action.UpdateAttendance, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, env.queue.MarkProcessing(ctx, id))

	s := env.syncer(t, WithGrace(2*time.Minute))

	// Within the grace window the record is untouchable
	summary, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)

	// Past the window it is reclaimed and replayed
	env.clock.Advance(3 * time.Minute)
	summary, err = s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Completed)
}

func TestDrain_RejectsConcurrentPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, action.UpdateAttendance, []byte(`{}`))
	require.NoError(t, err)

	block := make(chan struct{})
	entered := make(chan struct{})

	handlers := make(map[action.Type]Handler)
	for _, a := range action.All() {
		handlers[a] = func(ctx context.Context, m store.Mutation) error {
			close(entered)
			<-block
			return nil
		}
	}
	reg, err := NewRegistry(handlers)
	require.NoError(t, err)

	s := New(env.queue, env.cache, reg)

	done := make(chan error, 1)
	go func() {
		_, err := s.Drain(ctx)
		done <- err
	}()

	<-entered
	assert.True(t, s.Draining())

	_, err = s.Drain(ctx)
	assert.ErrorIs(t, err, ErrPassActive)

	close(block)
	require.NoError(t, <-done)
	assert.False(t, s.Draining())
}

func TestTriggerPass_Coalesces(t *testing.T) {
	env := newTestEnv(t)
	s := env.syncer(t)

	// Burst of triggers must not block the caller
	for i := 0; i < 10; i++ {
		s.TriggerPass()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Run consumes the coalesced trigger and executes at least one pass
	require.Eventually(t, func() bool { return s.Passes() >= 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestDrain_SummaryCallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, action.UpdatePoints, []byte(`{}`))
	require.NoError(t, err)

	var got Summary
	s := env.syncer(t, WithSummaryFunc(func(sum Summary) { got = sum }))

	want, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, got.Completed)
}
