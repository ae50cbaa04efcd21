package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_AttachesSessionHeaders(t *testing.T) {
	var gotAuth, gotOrg, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotOrg = r.Header.Get("X-Organization-ID")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	gw := New(server.URL, NewStaticSession("tok-123", "org-9", nil))
	resp, err := gw.Get(context.Background(), "/api/participants")
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "org-9", gotOrg)
	assert.Equal(t, "application/json", gotAccept)
}

func TestDo_OmitsAuthWithoutToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	gw := New(server.URL, NewStaticSession("", "", nil))
	_, err := gw.Get(context.Background(), "/api/news")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestDo_IdempotencyKeyOption(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	gw := New(server.URL, NewStaticSession("t", "", nil))
	_, err := gw.Post(context.Background(), "/api/attendance", []byte(`{}`),
		WithIdempotencyKey("key-abc"))
	require.NoError(t, err)
	assert.Equal(t, "key-abc", gotKey)
}

func TestDo_TransportFailureClassifiesOffline(t *testing.T) {
	// Closed server: connection refused
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	monitor := NewMonitor(server.URL)
	gw := New(server.URL, NewStaticSession("t", "", nil), WithMonitor(monitor))

	_, err := gw.Get(context.Background(), "/api/participants")
	require.Error(t, err)
	assert.True(t, IsOffline(err))

	// The failure also flips the shared connectivity state
	assert.False(t, monitor.Online())
}

func TestDo_FailsFastWhileOffline(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	monitor := NewMonitor(server.URL)
	monitor.SetOnline(false)
	gw := New(server.URL, NewStaticSession("t", "", nil), WithMonitor(monitor))

	_, err := gw.Get(context.Background(), "/api/participants")
	require.Error(t, err)
	assert.True(t, IsOffline(err))
	assert.Zero(t, calls, "no request should reach the server while offline")
}

func TestDo_UnauthorizedClearsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"success":false,"message":"token expired"}`))
	}))
	defer server.Close()

	var expired bool
	session := NewStaticSession("tok", "org", func() { expired = true })
	gw := New(server.URL, session)

	_, err := gw.Get(context.Background(), "/api/participants")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.True(t, expired, "expiry hook must fire on 401")

	_, hasToken := session.Token(context.Background())
	assert.False(t, hasToken, "token must be cleared after 401")
}

func TestDo_ClassifiesHTTPStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, IsClientError},
		{"conflict", http.StatusConflict, IsClientError},
		{"internal error", http.StatusInternalServerError, IsServerError},
		{"bad gateway", http.StatusBadGateway, IsServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"success":false,"message":"nope"}`))
			}))
			defer server.Close()

			gw := New(server.URL, NewStaticSession("t", "", nil))
			_, err := gw.Get(context.Background(), "/api/x")
			require.Error(t, err)
			assert.True(t, tt.check(err))

			var ge *Error
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tt.status, ge.HTTP)
			assert.Equal(t, "nope", ge.Message)
		})
	}
}

func TestDo_ParsesEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"validation failed","participants":[]}`))
	}))
	defer server.Close()

	gw := New(server.URL, NewStaticSession("t", "", nil))
	resp, err := gw.Get(context.Background(), "/api/participants")
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, "validation failed", resp.Message)
	assert.Contains(t, string(resp.Body), "participants")
}

func TestDo_NonEnvelopeBodyCountsAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1,2,3]`))
	}))
	defer server.Close()

	gw := New(server.URL, NewStaticSession("t", "", nil))
	resp, err := gw.Get(context.Background(), "/api/raw")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, `[1,2,3]`, string(resp.Body))
}
