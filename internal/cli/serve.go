package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csabourin/wampums-sync/internal/push"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	SkipPrecache bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy and sync agent",
		Long: `Run the full offline agent: the interception proxy, the connectivity
monitor, the background sync loop, and the push listener when configured.

Example:
  wampums-sync serve --config ./wampums-sync.yaml
  wampums-sync serve -c ./wampums-sync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipPrecache, "skip-precache", false, "do not fetch the shell manifest at startup")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	a, err := newApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Install and activate before serving: precache the shell, then drop
	// namespaces from previous versions.
	if !opts.SkipPrecache && len(a.cfg.Precache) > 0 {
		if err := a.proxy.Install(ctx); err != nil {
			// A cold start without connectivity still serves whatever the
			// cache already holds.
			slog.Warn("shell precache incomplete", "error", err)
		}
	}
	if err := a.proxy.Activate(ctx); err != nil {
		return WrapExitError(ExitCommandError, "cache activation failed", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("monitor stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("syncer stopped", "error", err)
		}
	}()

	if a.cfg.PushURL != "" {
		// The broadcaster feeds the proxy's /events stream, so every open
		// page instance receives what the listener reads.
		listener := push.NewListener(a.cfg.PushURL, push.LogNotifier{}, a.events)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("push listener stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: a.proxy,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	// Catch up on anything queued while the agent was down.
	a.syncer.TriggerPass()

	slog.Info("agent started", "listen", a.cfg.ListenAddr, "api", a.cfg.APIBaseURL)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", a.cfg.ListenAddr)

	err = server.ListenAndServe()
	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	slog.Info("agent stopped gracefully")
	return nil
}
