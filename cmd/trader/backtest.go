package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yanun0323/errors"

	"tradecore/internal/backtest"
	"tradecore/internal/ops"
)

func newBacktestCmd(root *rootOptions) *cobra.Command {
	var input, reportPath, eventsPath string

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a recorded log against the simulated exchange",
		Example: `  trader backtest --input data/wal --report out/report.json
  trader backtest --config config.yaml --input feed.jsonl --events out/events.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ops.Load(root.configPath, ops.ModeBacktest, func(c *ops.Config) {
				if input != "" {
					c.Backtest.Input = input
				}
				if reportPath != "" {
					c.Backtest.Report = reportPath
				}
				if eventsPath != "" {
					c.Backtest.Events = eventsPath
				}
			})
			if err != nil {
				return err
			}
			if cfg.Backtest.Input == "" {
				return errors.New("backtest needs --input")
			}

			events, err := backtest.Load(cmd.Context(), cfg.Backtest.Input)
			if err != nil {
				return errors.Wrapf(err, "load %s", cfg.Backtest.Input)
			}
			engine, err := backtest.New(cfg.BacktestEngine())
			if err != nil {
				return err
			}
			report, err := engine.Run(cmd.Context(), events)
			if err != nil {
				return err
			}

			if cfg.Backtest.Report != "" {
				if err := backtest.WriteReport(cfg.Backtest.Report, report); err != nil {
					return errors.Wrap(err, "write report")
				}
			}
			if cfg.Backtest.Events != "" {
				if err := writeEvents(cfg.Backtest.Events, engine); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:      %s\n", report.RunID)
			fmt.Fprintf(out, "events:   %d (%d source, %d malformed)\n", report.Events, report.SourceEvents, report.MalformedEvents)
			fmt.Fprintf(out, "fills:    %d\n", report.Final.FillCount)
			fmt.Fprintf(out, "open:     %d orders, %d undelivered reports\n", len(report.OpenOrders), report.UndeliveredReports)
			fmt.Fprintf(out, "equity:   %s (cash %s, realized %s, unrealized %s)\n",
				report.Final.Equity, report.Final.Cash, report.Final.RealizedPnL, report.Final.UnrealizedPnL)
			fmt.Fprintf(out, "digest:   %s\n", report.Digest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "WAL directory or JSON-lines file to replay")
	cmd.Flags().StringVar(&reportPath, "report", "", "write the run report as JSON")
	cmd.Flags().StringVar(&eventsPath, "events", "", "write every replayed event as JSON lines")
	return cmd
}

func writeEvents(path string, engine *backtest.Engine) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := backtest.WriteJSONL(f, engine.Journal().Events()); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}
