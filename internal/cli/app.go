package cli

import (
	"context"
	"log/slog"

	"github.com/csabourin/wampums-sync/internal/cache"
	"github.com/csabourin/wampums-sync/internal/config"
	"github.com/csabourin/wampums-sync/internal/gateway"
	"github.com/csabourin/wampums-sync/internal/proxy"
	"github.com/csabourin/wampums-sync/internal/push"
	"github.com/csabourin/wampums-sync/internal/queue"
	"github.com/csabourin/wampums-sync/internal/store"
	"github.com/csabourin/wampums-sync/internal/syncer"
)

// app bundles the wired components shared by the serve and sync commands.
type app struct {
	cfg     *config.Config
	store   *store.Store
	session *gateway.StoreSession
	monitor *gateway.Monitor
	gateway *gateway.Gateway
	api     *cache.Manager
	static  *cache.Manager
	queue   *queue.Queue
	syncer  *syncer.Syncer
	proxy   *proxy.Proxy
	events  *push.Broadcaster
}

// loadConfig resolves the effective configuration.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.Config == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(opts.Config)
}

// newApp opens the store and wires every component from config.
// The caller owns closing the returned app.
func newApp(opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	monitor := gateway.NewMonitor(cfg.ProbeURL)
	session := gateway.NewStoreSession(st, func() {
		slog.Warn("session expired, sign-in required")
	})

	// A configured tenant seeds the session once. An identifier stored by
	// session login wins over the file.
	if cfg.Organization != "" {
		ctx := context.Background()
		if _, ok := session.Organization(ctx); !ok {
			if err := session.SetOrganization(ctx, cfg.Organization); err != nil {
				st.Close()
				return nil, WrapExitError(ExitCommandError, "failed to store organization", err)
			}
		}
	}

	gw := gateway.New(cfg.APIBaseURL, session, gateway.WithMonitor(monitor))

	apiCache := cache.New(st, proxy.APINamespace)
	staticCache := cache.New(st, proxy.StaticNamespace)
	q := queue.New(st)

	var syncOpts []syncer.Option
	if cfg.Sync.RateLimit > 0 {
		syncOpts = append(syncOpts, syncer.WithRateLimit(cfg.Sync.RateLimit))
	}
	if cfg.Sync.Grace > 0 {
		syncOpts = append(syncOpts, syncer.WithGrace(cfg.Sync.Grace.Std()))
	}
	if cfg.Sync.Interval > 0 {
		syncOpts = append(syncOpts, syncer.WithInterval(cfg.Sync.Interval.Std()))
	}
	sy := syncer.New(q, apiCache, syncer.DefaultRegistry(gw), syncOpts...)

	// Connectivity restoration is the primary drain trigger.
	monitor.OnOnline(sy.TriggerPass)

	broadcaster := push.NewBroadcaster()

	proxyOpts := []proxy.Option{
		proxy.WithPrecache(cfg.Precache),
		proxy.WithOfflinePage(cfg.OfflinePage),
		proxy.WithSyncTrigger(sy.TriggerPass),
		proxy.WithOfflineQueue(q, syncer.ActionForRequest),
		proxy.WithEvents(broadcaster),
	}
	if cfg.Cache.APITTL > 0 {
		proxyOpts = append(proxyOpts, proxy.WithAPITTL(cfg.Cache.APITTL.Std()))
	}
	if cfg.Cache.StaticTTL > 0 {
		proxyOpts = append(proxyOpts, proxy.WithStaticTTL(cfg.Cache.StaticTTL.Std()))
	}
	px := proxy.New(gw, staticCache, apiCache, st, cfg.ShellURL, proxyOpts...)

	return &app{
		cfg:     cfg,
		store:   st,
		session: session,
		monitor: monitor,
		gateway: gw,
		api:     apiCache,
		static:  staticCache,
		queue:   q,
		syncer:  sy,
		proxy:   px,
		events:  broadcaster,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
