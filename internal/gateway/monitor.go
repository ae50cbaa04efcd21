package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Monitor tracks connectivity state for the whole process.
//
// The state flips offline when a gateway call hits a transport failure, and
// flips back online when the probe loop reaches the health endpoint again.
// Offline-to-online transitions fire the registered callbacks, which is how
// the sync orchestrator learns that a drain pass is worth attempting.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	probeURL string
	client   *http.Client

	mu        sync.Mutex
	online    bool
	onOnline  []func()
	wentDown  chan struct{} // coalescing signal, buffered size 1
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithProbeClient overrides the HTTP client used for connectivity probes.
func WithProbeClient(client *http.Client) MonitorOption {
	return func(m *Monitor) {
		m.client = client
	}
}

// NewMonitor creates a Monitor that probes the given URL while offline.
// The initial state is online: the first real call settles the question.
func NewMonitor(probeURL string, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		probeURL: probeURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		online:   true,
		wentDown: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates connectivity state. An offline-to-online transition
// fires the registered callbacks; an online-to-offline transition wakes the
// probe loop. Redundant updates are no-ops.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	callbacks := make([]func(), len(m.onOnline))
	copy(callbacks, m.onOnline)
	m.mu.Unlock()

	if online {
		slog.Info("connectivity restored")
		for _, fn := range callbacks {
			fn()
		}
		return
	}

	slog.Warn("connectivity lost")
	// Coalesce: one pending wakeup is enough
	select {
	case m.wentDown <- struct{}{}:
	default:
	}
}

// OnOnline registers a callback fired on each offline-to-online transition.
// Callbacks must be fast or dispatch to their own goroutine.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// Run drives the probe loop until the context is cancelled.
// While offline, the health endpoint is probed under exponential backoff;
// any response at all counts as connectivity (a 5xx still means the network
// path is up).
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wentDown:
		}

		backoffCfg := backoff.NewExponentialBackOff()
		for !m.Online() {
			if m.probe(ctx) {
				m.SetOnline(true)
				break
			}

			sleep := backoffCfg.NextBackOff()
			slog.Debug("connectivity probe failed", "next_probe_in", sleep)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
}

// probe performs one reachability check against the health endpoint.
func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
