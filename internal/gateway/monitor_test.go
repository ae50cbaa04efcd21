package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_StartsOnline(t *testing.T) {
	m := NewMonitor("http://localhost:0")
	assert.True(t, m.Online())
}

func TestMonitor_TransitionsFireCallbacksOnce(t *testing.T) {
	m := NewMonitor("http://localhost:0")

	var fired int
	m.OnOnline(func() { fired++ })

	// Redundant updates are no-ops
	m.SetOnline(true)
	assert.Zero(t, fired)

	m.SetOnline(false)
	m.SetOnline(false)
	assert.Zero(t, fired)
	assert.False(t, m.Online())

	m.SetOnline(true)
	assert.Equal(t, 1, fired)

	m.SetOnline(true)
	assert.Equal(t, 1, fired, "redundant online update must not refire")
}

func TestMonitor_MultipleCallbacks(t *testing.T) {
	m := NewMonitor("http://localhost:0")

	var a, b bool
	m.OnOnline(func() { a = true })
	m.OnOnline(func() { b = true })

	m.SetOnline(false)
	m.SetOnline(true)
	assert.True(t, a)
	assert.True(t, b)
}

func TestMonitor_RunRecoversViaProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewMonitor(server.URL)

	restored := make(chan struct{})
	m.OnOnline(func() { close(restored) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Going offline wakes the probe loop; the healthy endpoint restores state
	m.SetOnline(false)

	select {
	case <-restored:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not recover via probe")
	}
	assert.True(t, m.Online())

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestMonitor_ProbeTreatsServerErrorAsReachable(t *testing.T) {
	// A 5xx response still proves the network path is up
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := NewMonitor(server.URL)
	assert.True(t, m.probe(context.Background()))
}

func TestMonitor_ProbeFailsOnUnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	m := NewMonitor(server.URL)
	assert.False(t, m.probe(context.Background()))
}
