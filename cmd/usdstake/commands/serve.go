package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltbunker/usdstake/internal/api"
	"github.com/moltbunker/usdstake/internal/config"
	"github.com/moltbunker/usdstake/internal/daemon"
	"github.com/moltbunker/usdstake/internal/logging"
	"github.com/moltbunker/usdstake/internal/util"
)

func NewServeCmd() *cobra.Command {
	var (
		listen string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the staking daemon",
		Long:  "Start the staking ledger and its HTTP API. Stops on SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.ListenAddr = listen
			}
			logging.Configure(os.Stderr, cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			api.Version = GetVersion()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return err
			}
			if watch {
				watchLogLevel(ctx, ConfigPath)
			}
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen_addr")
	cmd.Flags().BoolVar(&watch, "watch-config", true, "Apply log level changes without a restart")
	return cmd
}

// watchLogLevel reapplies daemon.log_level whenever the config file
// changes. Other settings need a restart.
func watchLogLevel(ctx context.Context, path string) {
	util.SafeGoWithName("config-watch", func() {
		err := config.Watch(ctx, path, func(cfg *config.Config) {
			logging.SetLevel(cfg.Daemon.LogLevel)
			logging.Info("log level reloaded",
				"level", cfg.Daemon.LogLevel,
				logging.Component("config"))
		})
		if err != nil {
			logging.Warn("config hot reload disabled", logging.Err(err), logging.Component("config"))
		}
	})
}
