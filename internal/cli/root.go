// Package cli implements the vaultd command line.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ASHISH26940/vaultd/internal/client"
	"github.com/spf13/cobra"
)

// DefaultAddr is where client commands look for the daemon.
const DefaultAddr = "127.0.0.1:4000"

// options are the flags shared by every command.
type options struct {
	configPath string
	addr       string
	clientID   string
	timeout    time.Duration
}

func (o *options) client() *client.Client {
	c := client.New(o.addr)
	c.ClientID = o.clientID
	c.Timeout = o.timeout
	return c
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return NewRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
}

// NewRootCmd builds the command tree writing to out and errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "vaultd",
		Short: "Serve environment variables to authorized commands",
		Long: `vaultd keeps named environments of variables in a TOML file and hands
them out over TCP to commands its policy allows.

Run "vaultd serve" to start the daemon. The other commands are clients of
a running daemon.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to config file (default: ./vaultd.toml or $XDG_CONFIG_HOME/vaultd/config.toml)")
	pf.StringVar(&opts.addr, "addr", DefaultAddr, "daemon address for client commands")
	pf.StringVar(&opts.clientID, "client-id", client.DefaultClientID, "client_id sent with requests")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "client request timeout")

	root.AddCommand(
		newServeCmd(opts),
		newRequestCmd(opts),
		newEnvsCmd(opts),
		newKeyCmd(opts),
		newActivateCmd(opts),
		newVersionCmd(),
	)
	return root
}
