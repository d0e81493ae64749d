package cli

import (
	"github.com/ASHISH26940/vaultd/internal/protocol"
	"github.com/spf13/cobra"
)

func newRequestCmd(opts *options) *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "request <command> [environment]",
		Short: "Send one raw protocol request and print the response",
		Long: `Send one raw protocol request and print the JSON response.

Examples:
  vaultd request list-environments
  vaultd request "python3 app.py" prod
  vaultd request save-environment dev --var API_KEY=abc --var DEBUG=1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.Request{Command: args[0]}
			if len(args) == 2 {
				req.Environment = args[1]
			}
			if cmd.Flags().Changed("var") {
				req.Variables = vars
			}

			resp, err := opts.client().Do(cmd.Context(), req)
			if err != nil {
				return err
			}
			data, err := protocol.Encode(resp)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "variable to send as KEY=VALUE (repeatable)")
	return cmd
}
