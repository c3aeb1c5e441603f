package portfolio

import (
	"context"
	"fmt"

	"tradecore/internal/recorder"
	"tradecore/internal/schema"
)

// RecoverConfig controls snapshot + WAL recovery.
type RecoverConfig struct {
	WALDir          string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
	Tracker         Config
}

// RecoverResult contains recovered state and metadata.
type RecoverResult struct {
	Tracker     *Tracker
	LastEventID uint64
	LastEventTs int64
	Applied     int
}

// Recover loads an optional snapshot and replays the WAL tail to rebuild
// the portfolio. Only fills move positions; ticks refresh marks.
func Recover(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.WALDir == "" {
		return RecoverResult{}, fmt.Errorf("wal dir is empty")
	}
	tracker := NewTracker(cfg.Tracker)
	var lastID uint64
	var lastTs int64

	if cfg.SnapshotPath != "" {
		snapshot, err := ReadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return RecoverResult{}, err
		}
		tracker.Restore(snapshot.Snapshot)
		lastID = snapshot.LastEventID
		lastTs = snapshot.LastEventTs
	}

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             cfg.WALDir,
		FilePrefix:      cfg.FilePrefix,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return RecoverResult{}, err
	}

	applied := 0
	err = pb.Run(ctx, func(e schema.Event) error {
		if lastID > 0 && e.ID <= lastID {
			return nil
		}
		lastID = e.ID
		if e.Timestamp > lastTs {
			lastTs = e.Timestamp
		}

		switch p := e.Payload.(type) {
		case schema.Fill:
			tracker.Apply(e, p)
			applied++
		case schema.MarketTick:
			tracker.mark(e, p)
		}
		return nil
	})
	if err != nil {
		return RecoverResult{}, err
	}

	return RecoverResult{
		Tracker:     tracker,
		LastEventID: lastID,
		LastEventTs: lastTs,
		Applied:     applied,
	}, nil
}
