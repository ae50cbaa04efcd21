// Package proxy is the request interception layer: the service-worker
// equivalent sitting between the browser and the network.
//
// Two independent policies apply, keyed by request target. Static shell
// assets are cache-first: a cached copy is served without touching the
// network. API calls are network-first: the network is always tried, a
// cached copy is the offline fallback, and when neither exists the caller
// gets a structured offline body instead of a hard failure.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/csabourin/wampums-sync/internal/action"
	"github.com/csabourin/wampums-sync/internal/cache"
	"github.com/csabourin/wampums-sync/internal/gateway"
	"github.com/csabourin/wampums-sync/internal/push"
	"github.com/csabourin/wampums-sync/internal/store"
)

// Cache namespace names. Bump the version suffix when the cached shape
// changes; Activate removes every namespace that is not one of these two.
const (
	StaticNamespace = "wampums-static-v1"
	APINamespace    = "wampums-api-v1"
)

// cacheHeader tags responses served from cache so the UI can tell fresh
// data from offline fallback.
const cacheHeader = "X-Wampums-Cache"

// eventsPath is the local notification stream. It is served by the proxy
// itself, never forwarded to either origin.
const eventsPath = "/events"

// Default TTLs. Static shell assets change only on deploy; API responses
// are volatile per-user data.
const (
	defaultStaticTTL = 24 * time.Hour
	defaultAPITTL    = 2 * time.Minute
)

// offlineBody is the synthetic response produced when the network is down
// and no cache entry exists.
type offlineBody struct {
	Success bool   `json:"success"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

// queuedBody acknowledges an offline write captured into the mutation queue.
// The UI treats it as optimistic success and may surface the pending state.
type queuedBody struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// Enqueuer records an intercepted offline write for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, t action.Type, payload []byte) (int64, error)
}

// Proxy intercepts all requests from the UI.
type Proxy struct {
	gw     *gateway.Gateway
	static *cache.Manager
	api    *cache.Manager
	store  *store.Store

	shellURL    string
	client      *http.Client
	precache    []string
	offlinePage string
	requestSync func()
	staticTTL   time.Duration
	apiTTL      time.Duration

	queue    Enqueuer
	classify func(method, path string) (action.Type, bool)
	events   *push.Broadcaster
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithPrecache sets the shell asset manifest fetched on Install.
func WithPrecache(paths []string) Option {
	return func(p *Proxy) {
		p.precache = paths
	}
}

// WithOfflinePage sets the navigation fallback page path. It should be part
// of the precache manifest, otherwise there is nothing to fall back to.
func WithOfflinePage(pagePath string) Option {
	return func(p *Proxy) {
		p.offlinePage = pagePath
	}
}

// WithSyncTrigger registers the background-sync hook invoked when a write
// is intercepted while offline.
func WithSyncTrigger(fn func()) Option {
	return func(p *Proxy) {
		p.requestSync = fn
	}
}

// WithStaticTTL overrides the static asset TTL.
func WithStaticTTL(ttl time.Duration) Option {
	return func(p *Proxy) {
		p.staticTTL = ttl
	}
}

// WithAPITTL overrides the API response TTL.
func WithAPITTL(ttl time.Duration) Option {
	return func(p *Proxy) {
		p.apiTTL = ttl
	}
}

// WithOfflineQueue wires the mutation queue behind write interception.
// classify maps an intercepted request to the action type that replays it;
// writes it cannot classify keep getting the synthetic offline body.
func WithOfflineQueue(q Enqueuer, classify func(method, path string) (action.Type, bool)) Option {
	return func(p *Proxy) {
		p.queue = q
		p.classify = classify
	}
}

// WithEvents exposes the push broadcaster as a server-sent event stream on
// /events, so every open page instance can receive notifications.
func WithEvents(b *push.Broadcaster) Option {
	return func(p *Proxy) {
		p.events = b
	}
}

// WithShellClient overrides the HTTP client used for static fetches.
func WithShellClient(client *http.Client) Option {
	return func(p *Proxy) {
		p.client = client
	}
}

// New creates a Proxy. shellURL is the origin serving the application shell;
// static and api must be managers bound to StaticNamespace and APINamespace
// of the same store.
func New(gw *gateway.Gateway, static, api *cache.Manager, st *store.Store, shellURL string, opts ...Option) *Proxy {
	p := &Proxy{
		gw:          gw,
		static:      static,
		api:         api,
		store:       st,
		shellURL:    strings.TrimRight(shellURL, "/"),
		client:      &http.Client{Timeout: 30 * time.Second},
		offlinePage: "/offline.html",
		staticTTL:   defaultStaticTTL,
		apiTTL:      defaultAPITTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Install pre-populates the static cache with the shell manifest.
// Mirrors the worker install phase: a manifest asset that cannot be fetched
// fails the install, and the caller decides whether to continue degraded.
func (p *Proxy) Install(ctx context.Context) error {
	for _, assetPath := range p.precache {
		body, err := p.fetchStatic(ctx, assetPath)
		if err != nil {
			return fmt.Errorf("precache %s: %w", assetPath, err)
		}
		p.static.Set(ctx, assetPath, body, p.staticTTL)
	}
	slog.Info("shell precache complete", "assets", len(p.precache))
	return nil
}

// Activate deletes every cache namespace other than the two current ones,
// dropping entries left behind by previous versions.
func (p *Proxy) Activate(ctx context.Context) error {
	n, err := p.store.DeleteCacheNamespacesExcept(ctx, StaticNamespace, APINamespace)
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if n > 0 {
		slog.Info("removed stale cache namespaces", "entries", n)
	}
	return nil
}

// ServeHTTP routes each intercepted request to the policy for its target.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == eventsPath {
		p.serveEvents(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		p.serveAPI(w, r)
		return
	}
	p.serveStatic(w, r)
}

// serveEvents streams push notifications to the page as server-sent events.
// One broadcaster subscription per open connection; closing the connection
// cancels it.
func (p *Proxy) serveEvents(w http.ResponseWriter, r *http.Request) {
	if p.events == nil {
		http.Error(w, "events not configured", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	msgs, cancel := p.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: push\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// serveAPI applies the network-first policy for calls to the backend host.
func (p *Proxy) serveAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := apiCacheKey(r)

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if len(body) == 0 {
			body = nil
		}
	}

	resp, err := p.gw.Do(ctx, r.Method, requestURI(r), body)
	if err == nil {
		// Cache a copy of successful reads, keyed by the full request.
		if r.Method == http.MethodGet {
			p.api.Set(ctx, key, resp.Body, p.apiTTL)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.HTTPStatus)
		w.Write(resp.Body)
		return
	}

	if gateway.IsOffline(err) {
		p.serveAPIOffline(w, r, key, body)
		return
	}

	var ge *gateway.Error
	status := http.StatusBadGateway
	message := "upstream failure"
	if errors.As(err, &ge) && ge.HTTP >= 400 {
		status = ge.HTTP
		message = ge.Message
	}
	writeJSON(w, status, offlineBody{Success: false, Offline: false, Message: message})
}

// serveAPIOffline answers a request that could not reach the network.
// Reads fall back to the cached copy when one exists. Writes that map to a
// replayable action are captured into the mutation queue and acknowledged
// optimistically; everything else gets the synthetic offline body.
// Intercepted writes also ask for a background sync pass so queued work
// replays once connectivity returns.
func (p *Proxy) serveAPIOffline(w http.ResponseWriter, r *http.Request, key string, body []byte) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		if p.requestSync != nil {
			p.requestSync()
		}
		if p.queue != nil && p.classify != nil {
			if t, ok := p.classify(r.Method, r.URL.Path); ok {
				id, err := p.queue.Enqueue(ctx, t, body)
				if err == nil {
					w.Header().Set(cacheHeader, "queued")
					writeJSON(w, http.StatusAccepted, queuedBody{
						Success: true,
						Queued:  true,
						ID:      id,
						Message: "saved offline, queued for sync",
					})
					return
				}
				slog.Error("offline write capture failed", "action", t, "error", err)
			}
		}
	}

	if r.Method == http.MethodGet {
		if cached, ok := p.api.GetAllowStale(ctx, key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(cacheHeader, "stale")
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
	}

	w.Header().Set(cacheHeader, "miss")
	writeJSON(w, http.StatusServiceUnavailable, offlineBody{
		Success: false,
		Offline: true,
		Message: "offline, data unavailable",
	})
}

// serveStatic applies the cache-first policy for shell assets.
//
// Presence beats freshness here, like the worker cache API: a cached asset
// is served without a network attempt, stale or not. Assets refresh by
// overwrite on the next successful fetch after invalidation or a version
// bump of the namespace.
func (p *Proxy) serveStatic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.Path

	if cached, ok := p.static.GetAllowStale(ctx, key); ok {
		w.Header().Set("Content-Type", contentTypeFor(key))
		w.Header().Set(cacheHeader, "hit")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	body, err := p.fetchStatic(ctx, key)
	if err == nil {
		p.static.Set(ctx, key, body, p.staticTTL)
		w.Header().Set("Content-Type", contentTypeFor(key))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	if isNavigation(r) {
		if page, ok := p.static.GetAllowStale(ctx, p.offlinePage); ok {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set(cacheHeader, "offline-fallback")
			w.WriteHeader(http.StatusOK)
			w.Write(page)
			return
		}
	}

	slog.Debug("static fetch failed with no fallback", "path", key, "error", err)
	http.Error(w, "offline", http.StatusServiceUnavailable)
}

// fetchStatic retrieves one asset from the shell origin.
// Only successful same-origin responses are cacheable, and every fetch here
// is same-origin by construction (the path is joined to the shell URL).
func (p *Proxy) fetchStatic(ctx context.Context, assetPath string) ([]byte, error) {
	url := p.shellURL + "/" + strings.TrimLeft(assetPath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", assetPath, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// apiCacheKey identifies one API request, parameterization included.
func apiCacheKey(r *http.Request) string {
	return r.Method + " " + requestURI(r)
}

// requestURI returns path plus query for forwarding.
func requestURI(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

// isNavigation reports whether the request is a page navigation rather than
// a subresource fetch.
func isNavigation(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		strings.Contains(r.Header.Get("Accept"), "text/html")
}

// contentTypeFor derives a content type from the asset path. Cached values
// hold only the body bytes, so the type is recomputed on the way out.
func contentTypeFor(assetPath string) string {
	ext := path.Ext(assetPath)
	if ext == "" {
		return "text/html; charset=utf-8"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
