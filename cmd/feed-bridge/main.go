package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/YaganovValera/binance-feed-bridge/internal/app"
	"github.com/YaganovValera/binance-feed-bridge/internal/config"
	"github.com/YaganovValera/binance-feed-bridge/pkg/logger"
)

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:   "feed-bridge",
		Short: "Binance market-data feed bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer log.Sync()

			if cfg.Logging.DevMode {
				cfg.Print()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return app.Run(ctx, cfg, log)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVar(&cfgFile, "config", "", "path to config file (optional)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "feed-bridge: %v\n", err)
		os.Exit(1)
	}
}
