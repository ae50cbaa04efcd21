package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline mutation queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueDropCommand(rootOpts))
	return cmd
}

// queueRow is the JSON projection of one queued mutation.
type queueRow struct {
	ID             int64  `json:"id"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retry_count"`
	Priority       int    `json:"priority"`
	IdempotencyKey string `json:"idempotency_key"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List mutations awaiting replay",
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
			pending, err := a.queue.ListPending(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list queue", err)
			}

			rows := make([]queueRow, 0, len(pending))
			for _, m := range pending {
				rows = append(rows, queueRow{
					ID:             m.ID,
					Action:         m.Action,
					Status:         m.Status,
					RetryCount:     m.RetryCount,
					Priority:       m.Priority,
					IdempotencyKey: m.IdempotencyKey,
					LastError:      m.LastError,
					CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
				})
			}

			if rootOpts.Format == "json" {
				formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
				return formatter.Success(rows)
			}

			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue empty")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACTION\tSTATUS\tRETRIES\tPRIORITY\tCREATED")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.Action, r.Status, r.RetryCount, r.Priority, r.CreatedAt)
			}
			return w.Flush()
		},
	}
}

func newQueueDropCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drop <id>",
		Short:         "Remove a mutation from the queue without replaying it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid id %q", args[0]))
			}

			a, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmdContext(cmd)
			m, err := a.store.GetMutation(ctx, id)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load mutation", err)
			}
			if m == nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("no mutation with id %d", id))
			}
			if err := a.store.DeleteMutation(ctx, id); err != nil {
				return WrapExitError(ExitCommandError, "failed to drop mutation", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d (%s)\n", id, m.Action)
			return nil
		},
	}
}

// cmdContext returns the command's context, defaulting to Background.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
