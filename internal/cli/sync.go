package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command: one drain pass, then exit.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single drain pass over the mutation queue",
		Long: `Replay queued mutations against the remote API once and report the
outcome. Exits non-zero when the pass halts early or any replay fails.

Example:
  wampums-sync sync --config ./wampums-sync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	summary, err := a.syncer.Drain(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "drain pass failed", err)
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.Format == "json" {
		if err := formatter.Success(summary); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(),
			"pass %d: attempted=%d completed=%d failed=%d dropped=%d halted=%v\n",
			summary.Pass, summary.Attempted, summary.Completed,
			summary.Failed, summary.Dropped, summary.Halted)
	}

	if summary.Halted {
		return NewExitError(ExitFailure, "drain pass halted before completing")
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d replays failed", summary.Failed))
	}
	return nil
}
