package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tradecore/internal/exchange"
	"tradecore/internal/live"
	"tradecore/internal/ops"
)

func newLiveCmd(root *rootOptions) *cobra.Command {
	var feedPath, socket, metricsAddr string

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Trade a live feed against the exchange gateway",
		Example: `  trader live --config config.yaml --feed -
  trader live --config config.yaml --socket /tmp/tradecore.sock --metrics :9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ops.Load(root.configPath, ops.ModeLive, func(c *ops.Config) {
				if feedPath != "" {
					c.Feed.Path = feedPath
				}
				if socket != "" {
					c.Feed.Socket = socket
				}
				if metricsAddr != "" {
					c.Metrics.Addr = metricsAddr
				}
			})
			if err != nil {
				return err
			}

			gw, err := exchange.New(cfg.Exchange)
			if err != nil {
				return err
			}
			session, err := live.New(cfg, gw)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			final, err := session.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d fills, equity %s\n",
				session.ID(), final.FillCount, final.Equity)
			return nil
		},
	}

	cmd.Flags().StringVar(&feedPath, "feed", "", "JSON-lines feed file, - for stdin")
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket that accepts feed lines")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	return cmd
}
