package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/ASHISH26940/vaultd/internal/config"
	"github.com/ASHISH26940/vaultd/internal/logging"
	"github.com/ASHISH26940/vaultd/internal/persistence"
	"github.com/ASHISH26940/vaultd/internal/policy"
	"github.com/ASHISH26940/vaultd/internal/raft"
	"github.com/ASHISH26940/vaultd/internal/server"
	"github.com/ASHISH26940/vaultd/internal/store"
	"github.com/ASHISH26940/vaultd/internal/vault"
	"github.com/ASHISH26940/vaultd/internal/watch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *options) *cobra.Command {
	var overrides config.Config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long: `Start the daemon in the foreground.

Settings come from the config file, then VAULTD_* environment variables,
then flags. The daemon stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, cmd, &overrides)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runServe(cmd.Context(), cfg, logger, nil)
		},
	}

	f := cmd.Flags()
	f.StringVar(&overrides.Host, "host", "", "interface to listen on")
	f.IntVar(&overrides.Port, "port", 0, "TCP port to listen on")
	f.StringVar(&overrides.SecretsFile, "secrets-file", "", "TOML file holding the environments")
	f.StringVar(&overrides.Policy, "policy", "", `command policy, "prefix" or "strict"`)
	f.BoolVar(&overrides.Watch, "watch", false, "reload when the secrets file changes on disk")
	f.StringVar(&overrides.LogLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&overrides.LogFormat, "log-format", "", `"console" or "json"`)
	return cmd
}

// loadConfig layers defaults, the config file, the environment and the
// flags the user actually set.
func loadConfig(path string, cmd *cobra.Command, flags *config.Config) (*config.Config, error) {
	cfg := config.New()
	if found := config.Find(path); found != "" {
		if err := cfg.Load(found); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", found, err)
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	set := cmd.Flags().Changed
	if set("host") {
		cfg.Host = flags.Host
	}
	if set("port") {
		cfg.Port = flags.Port
	}
	if set("secrets-file") {
		cfg.SecretsFile = flags.SecretsFile
	}
	if set("policy") {
		cfg.Policy = flags.Policy
	}
	if set("watch") {
		cfg.Watch = flags.Watch
	}
	if set("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if set("log-format") {
		cfg.LogFormat = flags.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runServe runs the daemon until ctx is done. ready, if set, is called
// with the listening address once connections are accepted.
func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger, ready func(net.Addr)) error {
	pol, err := policy.ForName(cfg.Policy)
	if err != nil {
		return err
	}

	v := vault.New(store.New(), persistence.NewFile(cfg.SecretsFile), logger.Named("vault"))
	v.Open()

	var committer vault.Committer = v
	if cfg.Raft.Enabled {
		node, err := openRaft(ctx, cfg.Raft, v, logger.Named("raft"))
		if err != nil {
			return err
		}
		defer node.Close()
		committer = node
	}

	srv := server.New(server.Config{
		Addr:           cfg.Addr(),
		MaxMessageSize: cfg.MaxMessageSize,
		ReadTimeout:    cfg.ReadTimeout.Duration,
	}, v.Store(), committer, pol, logger.Named("server"))
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("vaultd started",
		zap.String("addr", srv.Addr().String()),
		zap.String("secrets_file", cfg.SecretsFile),
		zap.String("policy", cfg.Policy),
		zap.Bool("raft", cfg.Raft.Enabled))
	if ready != nil {
		ready(srv.Addr())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Stop()
	})
	if cfg.Watch {
		w, err := watch.New(cfg.SecretsFile, v, logger.Named("watch"))
		if err != nil {
			logger.Warn("file watching disabled", zap.Error(err))
		} else {
			g.Go(func() error { return w.Run(ctx) })
		}
	}
	return g.Wait()
}

func openRaft(ctx context.Context, rc config.Raft, v *vault.Vault, logger *zap.Logger) (*raft.Node, error) {
	peers := make([]raft.Peer, 0, len(rc.Peers))
	for _, s := range rc.Peers {
		p, err := raft.ParsePeer(s)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}

	node, err := raft.Open(raft.Options{
		NodeID:       rc.NodeID,
		Bind:         rc.Bind,
		DataDir:      rc.DataDir,
		Bootstrap:    rc.Bootstrap,
		Peers:        peers,
		ApplyTimeout: rc.ApplyTimeout.Duration,
	}, v, logger)
	if err != nil {
		return nil, err
	}
	if err := node.WaitLeader(ctx); err != nil {
		node.Close()
		return nil, fmt.Errorf("waiting for raft leader: %w", err)
	}
	logger.Info("raft ready", zap.String("leader", node.Leader()), zap.Bool("is_leader", node.IsLeader()))
	return node, nil
}
