package cli

import (
	"fmt"

	"github.com/ASHISH26940/vaultd/internal/client"
	"github.com/ASHISH26940/vaultd/internal/protocol"
	"github.com/spf13/cobra"
)

func newEnvsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envs",
		Short: "Manage environments",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List environment names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				names, err := opts.client().ListEnvironments(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "create <environment>",
			Short: "Create an empty environment",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := opts.client().CreateEnvironment(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Environment '%s' created\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <environment>",
			Short: "Delete an environment and all its variables",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := opts.client().DeleteEnvironment(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Environment '%s' deleted\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "show [environment]",
			Short: "Print the variables of an environment as KEY=VALUE",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				env, err := opts.client().Activate(cmd.Context(), envArg(args))
				if err != nil {
					return err
				}
				for _, p := range protocol.Pairs(env) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", p.Key, p.Value)
				}
				return nil
			},
		},
	)
	return cmd
}

func newActivateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate [environment]",
		Short: "Print export statements for an environment",
		Long: `Print POSIX shell export statements for every variable of an
environment, for use as:

  eval "$(vaultd activate prod)"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.client().Activate(cmd.Context(), envArg(args))
			if err != nil {
				return err
			}
			lines, skipped := client.ExportLines(env)
			for _, key := range skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping %q: not a valid shell variable name\n", key)
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

// envArg returns the optional environment argument. Empty means the
// daemon's default.
func envArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
