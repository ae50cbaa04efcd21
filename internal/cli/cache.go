package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/csabourin/wampums-sync/internal/proxy"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the durable response cache",
	}
	cmd.AddCommand(newCacheStatsCommand(rootOpts))
	cmd.AddCommand(newCacheClearCommand(rootOpts))
	return cmd
}

// cacheStats is the JSON projection of cache occupancy.
type cacheStats struct {
	APIEntries    int `json:"api_entries"`
	StaticEntries int `json:"static_entries"`
}

func newCacheStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Show entry counts per namespace",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmdContext(cmd)
			apiCount, err := a.store.CountCacheEntries(ctx, proxy.APINamespace)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count cache entries", err)
			}
			staticCount, err := a.store.CountCacheEntries(ctx, proxy.StaticNamespace)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count cache entries", err)
			}

			stats := cacheStats{APIEntries: apiCount, StaticEntries: staticCount}
			if rootOpts.Format == "json" {
				formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
				return formatter.Success(stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "api entries:    %d\nstatic entries: %d\n",
				stats.APIEntries, stats.StaticEntries)
			return nil
		},
	}
}

func newCacheClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear",
		Short:         "Delete every cached entry in every namespace",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.store.DeleteAllCacheEntries(cmdContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to clear cache", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}
}
