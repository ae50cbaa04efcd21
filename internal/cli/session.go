package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the stored API credential and tenant",
	}
	cmd.AddCommand(newSessionLoginCommand(rootOpts))
	cmd.AddCommand(newSessionLogoutCommand(rootOpts))
	return cmd
}

func newSessionLoginCommand(rootOpts *RootOptions) *cobra.Command {
	var token, org string

	cmd := &cobra.Command{
		Use:           "login",
		Short:         "Store the bearer token and organization id",
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
			if err := a.session.SetToken(ctx, token); err != nil {
				return WrapExitError(ExitCommandError, "failed to store token", err)
			}
			if org != "" {
				if err := a.session.SetOrganization(ctx, org); err != nil {
					return WrapExitError(ExitCommandError, "failed to store organization", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session stored")
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "bearer token (required)")
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func newSessionLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "logout",
		Short:         "Clear the stored bearer token",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.session.Clear(cmdContext(cmd)); err != nil {
				return WrapExitError(ExitCommandError, "failed to clear session", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return nil
		},
	}
}
