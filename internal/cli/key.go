package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKeyCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Edit single variables of an environment",
		Long: `Edit single variables of an environment.

Each edit fetches the whole environment, changes it locally and saves it
back. Concurrent edits of the same environment can overwrite each other.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <environment> <key> <value>",
			Short: "Set a variable, overwriting any existing value",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := opts.client().AddKey(cmd.Context(), args[0], args[1], args[2]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key '%s' set in environment '%s'\n", args[1], args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <environment> <key>",
			Short: "Remove a variable",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := opts.client().DeleteKey(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key '%s' deleted from environment '%s'\n", args[1], args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "update <environment> <key> <new-key> <new-value>",
			Short: "Rename a variable and set its value",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := opts.client().UpdateKey(cmd.Context(), args[0], args[1], args[2], args[3]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key '%s' updated in environment '%s'\n", args[2], args[0])
				return nil
			},
		},
	)
	return cmd
}
