// Package syncer drains the offline mutation queue against the remote API.
//
// A drain pass replays the pending snapshot strictly in (priority, creation)
// order: replay of one mutation may depend on server-side state established
// by an earlier one, so mutations are never reordered or parallelized.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/csabourin/wampums-sync/internal/action"
	"github.com/csabourin/wampums-sync/internal/cache"
	"github.com/csabourin/wampums-sync/internal/gateway"
	"github.com/csabourin/wampums-sync/internal/queue"
)

// ErrPassActive is returned when a drain is requested while one is already
// running. Triggers hitting this are dropped, not queued: the running pass
// already owns the snapshot, and a duplicate pass would replay the same
// mutations twice.
var ErrPassActive = errors.New("drain pass already active")

// DefaultGrace is how long a mutation may sit in processing before the next
// pass treats it as abandoned by a torn-down context.
const DefaultGrace = 2 * time.Minute

// Summary reports the outcome of one drain pass.
type Summary struct {
	Pass      int64 `json:"pass"`
	Attempted int   `json:"attempted"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Dropped   int   `json:"dropped"`
	Halted    bool  `json:"halted"`
}

// Syncer owns drain passes over the mutation queue.
//
// Re-entrancy: at most one pass runs at a time, enforced with an atomic
// guard rather than a lock, because the two execution contexts sharing the
// store have no common locking primitive. Idempotent cache invalidation and
// idempotency keys on replays are the safety mechanisms if both contexts
// ever drain against the same queue.
type Syncer struct {
	queue    *queue.Queue
	cache    *cache.Manager
	registry *Registry

	limiter   *rate.Limiter
	grace     time.Duration
	interval  time.Duration
	onSummary func(Summary)

	passes   atomic.Int64 // pass numbering, monotonic
	draining atomic.Bool
	trigger  chan struct{} // coalescing signal, buffered size 1
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithRateLimit throttles replays to n per second during a pass, so a
// reconnect burst cannot hammer the API.
func WithRateLimit(n float64) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(n), 1)
		}
	}
}

// WithGrace overrides the stuck-processing grace window.
func WithGrace(grace time.Duration) Option {
	return func(s *Syncer) {
		s.grace = grace
	}
}

// WithInterval adds a periodic trigger on top of the event-driven ones.
// Zero disables it.
func WithInterval(interval time.Duration) Option {
	return func(s *Syncer) {
		s.interval = interval
	}
}

// WithSummaryFunc registers a callback fired after every completed pass.
func WithSummaryFunc(fn func(Summary)) Option {
	return func(s *Syncer) {
		s.onSummary = fn
	}
}

// New creates a Syncer. The cache manager is the API namespace manager whose
// keys get invalidated when replays succeed.
func New(q *queue.Queue, c *cache.Manager, registry *Registry, opts ...Option) *Syncer {
	s := &Syncer{
		queue:    q,
		cache:    c,
		registry: registry,
		grace:    DefaultGrace,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TriggerPass requests a drain pass. Non-blocking; triggers arriving while
// a pass is running or already requested coalesce into one.
func (s *Syncer) TriggerPass() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run services triggers until the context is cancelled.
// Wire connectivity-restored events to TriggerPass via Monitor.OnOnline;
// the interval option covers the periodic/background case.
func (s *Syncer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.trigger:
		case <-tick:
		}

		if _, err := s.Drain(ctx); err != nil && !errors.Is(err, ErrPassActive) {
			slog.Error("drain pass failed", "error", err)
		}
	}
}

// Drain executes one pass: Idle -> Draining -> Idle.
//
// The pending snapshot is taken once at pass start; mutations enqueued
// mid-pass wait for the next trigger, which bounds pass length. The pass
// halts early when a replay classifies offline (connectivity dropped again)
// or unauthorized (no replay can succeed until credentials return); in both
// cases the in-flight mutation returns to pending untouched.
func (s *Syncer) Drain(ctx context.Context) (Summary, error) {
	if !s.draining.CompareAndSwap(false, true) {
		return Summary{}, ErrPassActive
	}
	defer s.draining.Store(false)

	summary := Summary{Pass: s.passes.Add(1)}

	if _, err := s.queue.ResetStuck(ctx, s.grace); err != nil {
		// Storage trouble; the scan below will likely fail too, but a
		// stuck record is not a reason to skip the pass.
		slog.Warn("stuck reset failed", "pass", summary.Pass, "error", err)
	}

	snapshot, err := s.queue.ListPending(ctx)
	if err != nil {
		return summary, err
	}

	slog.Info("drain pass started", "pass", summary.Pass, "pending", len(snapshot))

	for _, m := range snapshot {
		if ctx.Err() != nil {
			summary.Halted = true
			break
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				summary.Halted = true
				break
			}
		}

		if err := s.queue.MarkProcessing(ctx, m.ID); err != nil {
			slog.Warn("mark processing failed, skipping",
				"pass", summary.Pass, "id", m.ID, "error", err)
			continue
		}
		summary.Attempted++

		t := action.Type(m.Action)
		handler, ok := s.registry.Handler(t)
		if !ok {
			// A row written by a newer version; nothing this build can do.
			dropped, failErr := s.queue.MarkFailed(ctx, m.ID, errors.New("no handler for action "+m.Action))
			if failErr != nil {
				slog.Error("mark failed errored", "id", m.ID, "error", failErr)
			}
			summary.Failed++
			if dropped {
				summary.Dropped++
			}
			continue
		}

		err := handler(ctx, m)
		switch {
		case err == nil:
			for _, key := range action.InvalidationKeys(t, m.Payload) {
				s.cache.Invalidate(ctx, key)
			}
			if err := s.queue.MarkCompleted(ctx, m.ID); err != nil {
				slog.Error("mark completed failed", "id", m.ID, "error", err)
			}
			summary.Completed++

		case gateway.IsOffline(err), gateway.IsUnauthorized(err):
			// Connectivity or credentials gone: no remaining replay can
			// succeed, so stop the whole pass and leave the rest pending.
			if resetErr := s.queue.ResetPending(ctx, m.ID); resetErr != nil {
				slog.Error("reset pending failed", "id", m.ID, "error", resetErr)
			}
			summary.Attempted--
			summary.Halted = true

		default:
			dropped, failErr := s.queue.MarkFailed(ctx, m.ID, err)
			if failErr != nil {
				slog.Error("mark failed errored", "id", m.ID, "error", failErr)
			}
			summary.Failed++
			if dropped {
				summary.Dropped++
			}
		}

		if summary.Halted {
			break
		}
	}

	slog.Info("drain pass finished",
		"pass", summary.Pass,
		"attempted", summary.Attempted,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"dropped", summary.Dropped,
		"halted", summary.Halted,
	)
	if s.onSummary != nil {
		s.onSummary(summary)
	}
	return summary, nil
}

// Draining reports whether a pass is currently running.
// Used for diagnostics and testing.
func (s *Syncer) Draining() bool {
	return s.draining.Load()
}

// Passes returns the number of passes started so far.
func (s *Syncer) Passes() int64 {
	return s.passes.Load()
}
