package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yanun0323/errors"

	"tradecore/internal/ops"
	"tradecore/internal/portfolio"
	"tradecore/pkg/exception"
)

func newVerifySnapshotCmd(root *rootOptions) *cobra.Command {
	var walDir, snapshotPath, prefix string

	cmd := &cobra.Command{
		Use:     "verify-snapshot",
		Short:   "Rebuild the portfolio from a WAL and compare it with a snapshot file",
		Example: `  trader verify-snapshot --wal data/wal --snapshot data/positions.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ops.Load(root.configPath, ops.ModeBacktest, func(c *ops.Config) {
				if walDir != "" {
					c.Recorder.WAL.Dir = walDir
				}
				if snapshotPath != "" {
					c.Recorder.SnapshotPath = snapshotPath
				}
				if prefix != "" {
					c.Recorder.WAL.FilePrefix = prefix
				}
			})
			if err != nil {
				return err
			}
			if cfg.Recorder.SnapshotPath == "" {
				return errors.New("verify-snapshot needs --snapshot")
			}

			expected, err := portfolio.ReadSnapshot(cfg.Recorder.SnapshotPath)
			if err != nil {
				return err
			}
			res, err := portfolio.Recover(cmd.Context(), portfolio.RecoverConfig{
				WALDir:     cfg.Recorder.WAL.Dir,
				FilePrefix: cfg.Recorder.WAL.FilePrefix,
				Tracker:    cfg.Portfolio,
			})
			if err != nil {
				return errors.Wrap(err, "recover from wal")
			}
			if res.LastEventID != expected.LastEventID {
				return errors.Wrapf(exception.ErrInvalidArgument, "snapshot was taken at event %d, wal ends at event %d",
					expected.LastEventID, res.LastEventID)
			}
			if err := portfolio.CompareSnapshots(expected.Snapshot, res.Tracker.Snapshot()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "snapshot matches: %d events applied, last event %d\n",
				res.Applied, res.LastEventID)
			return nil
		},
	}

	cmd.Flags().StringVar(&walDir, "wal", "", "WAL directory")
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file written at shutdown")
	cmd.Flags().StringVar(&prefix, "prefix", "", "WAL segment file prefix")
	return cmd
}
