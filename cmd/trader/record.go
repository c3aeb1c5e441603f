package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/errors"
	"tradecore/internal/feed"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/recorder"
)

func newRecordCmd(root *rootOptions) *cobra.Command {
	var feedPath, walDir string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a feed into a WAL for later replay",
		Example: `  trader record --feed feed.jsonl --wal data/wal
  tail -f feed.jsonl | trader record --feed - --wal data/wal`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ops.Load(root.configPath, ops.ModeRecord, func(c *ops.Config) {
				if feedPath != "" {
					c.Feed.Path = feedPath
				}
				if walDir != "" {
					c.Recorder.WAL.Dir = walDir
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			st, appended, err := record(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %d events to %s (%d lines, %d rejected)\n",
				appended, cfg.Recorder.WAL.Dir, st.Lines, st.Rejected)
			return nil
		},
	}

	cmd.Flags().StringVar(&feedPath, "feed", "", "JSON-lines feed file, - for stdin")
	cmd.Flags().StringVar(&walDir, "wal", "", "WAL directory")
	return cmd
}

// record publishes every valid feed line on a bus whose only subscriber is
// the WAL, so the log holds exactly the admitted source events.
func record(ctx context.Context, cfg ops.Config) (feed.Stats, uint64, error) {
	in, closeIn, err := openFeed(cfg.Feed.Path)
	if err != nil {
		return feed.Stats{}, 0, err
	}
	defer closeIn()

	w, err := recorder.NewWriter(cfg.Recorder.WAL)
	if err != nil {
		return feed.Stats{}, 0, err
	}
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		return feed.Stats{}, 0, err
	}

	metrics := obs.NewMetrics()
	walSink := recorder.NewSink(w, metrics)
	sinks := obs.Sinks{obs.MetricsSink{Metrics: metrics}, obs.LogSink{}, walSink}
	b := bus.NewSync(bus.Config{Sink: sinks, Metrics: metrics})
	ingester := feed.NewIngester(b, feed.Parser{
		Now:       func() int64 { return time.Now().UnixNano() },
		SignalTTL: cfg.Feed.SignalTTL,
	}, feed.WithSink(sinks))

	runErr := ingester.Run(ctx, in)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	b.Close()
	if err := w.Close(); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "close wal")
	}
	if n := walSink.Failed(); n > 0 {
		logs.Warnf("record: %d events failed to reach the wal", n)
	}
	return ingester.Stats(), w.Appended(), runErr
}

func openFeed(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open feed %s", path)
	}
	return f, func() { _ = f.Close() }, nil
}
