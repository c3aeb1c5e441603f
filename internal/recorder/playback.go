package recorder

import (
	"context"
	"io"
	"os"
	"time"

	"tradecore/internal/clock"
	"tradecore/internal/errors"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// PlaybackConfig selects the segments to replay and how fast.
type PlaybackConfig struct {
	Dir        string `mapstructure:"dir"`
	FilePrefix string `mapstructure:"file_prefix"`
	// Speed paces delivery against event time; 2 plays twice as fast and
	// zero delivers as fast as the handler allows.
	Speed float64 `mapstructure:"speed"`
	// UseRecvTime paces on the time the recorder saw each event instead.
	UseRecvTime     bool `mapstructure:"use_recv_time"`
	DisableChecksum bool `mapstructure:"disable_checksum"`
	MaxPayloadSize  int  `mapstructure:"max_payload_size"`
}

func (c PlaybackConfig) Validate() error {
	switch {
	case c.Dir == "":
		return errors.Wrap(exception.ErrInvalidConfig, "playback: dir is empty")
	case c.Speed < 0:
		return errors.Wrap(exception.ErrInvalidConfig, "playback: speed must be >= 0")
	case c.MaxPayloadSize < 0:
		return errors.Wrap(exception.ErrInvalidConfig, "playback: max payload size must be >= 0")
	}
	return nil
}

// Playback feeds recorded events to a handler, segment by segment.
type Playback struct {
	cfg   PlaybackConfig
	clock clock.Clock
}

func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Playback{cfg: cfg, clock: clock.Real{}}, nil
}

// WithClock swaps the clock used for pacing.
func (p *Playback) WithClock(c clock.Clock) *Playback {
	if c != nil {
		p.clock = c
	}
	return p
}

// Run stops at the first unreadable frame, or the first frame whose header
// disagrees with its payload, and at the first handler error.
func (p *Playback) Run(ctx context.Context, handler func(schema.Event) error) error {
	if handler == nil {
		return errors.Wrap(exception.ErrNilInstance, "playback handler")
	}
	files, err := listSegments(p.cfg.Dir, p.cfg.FilePrefix)
	if err != nil {
		return err
	}

	pace := pacer{clock: p.clock, speed: p.cfg.Speed}
	for _, path := range files {
		if err := p.replay(ctx, path, &pace, handler); err != nil {
			return errors.Wrapf(err, "replay %s", path)
		}
	}
	return nil
}

func (p *Playback) replay(ctx context.Context, path string, pace *pacer, handler func(schema.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := NewReader(f, ReaderOptions{
		DisableChecksum: p.cfg.DisableChecksum,
		MaxPayloadSize:  p.cfg.MaxPayloadSize,
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := r.NextEvent()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		at := e.Timestamp
		if p.cfg.UseRecvTime {
			at = r.lastRecvTs()
		}
		if err := pace.wait(ctx, at); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
}

// pacer sleeps the scaled gap between consecutive timestamps.
type pacer struct {
	clock clock.Clock
	speed float64
	last  int64
}

func (p *pacer) wait(ctx context.Context, at int64) error {
	if p.speed <= 0 || at <= 0 {
		return nil
	}
	prev := p.last
	p.last = at
	if prev <= 0 || at <= prev {
		return nil
	}
	return p.clock.Sleep(ctx, time.Duration(float64(at-prev)/p.speed))
}
