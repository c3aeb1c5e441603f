package recorder

import (
	"time"

	"tradecore/internal/errors"
	"tradecore/pkg/exception"
)

const (
	defaultMaxSegmentBytes int64 = 1 << 30
	defaultMaxSegmentAge         = 5 * time.Minute
	defaultQueueSize             = 4096
	defaultBufferSize            = 256 * 1024
	defaultFilePrefix            = "events"
)

// Config controls where and how the WAL is written. Segments rotate when
// either limit is reached; a zero age never rotates on time.
type Config struct {
	Dir             string        `mapstructure:"dir"`
	FilePrefix      string        `mapstructure:"file_prefix"`
	MaxSegmentBytes int64         `mapstructure:"max_segment_bytes"`
	MaxSegmentAge   time.Duration `mapstructure:"max_segment_age"`
	QueueSize       int           `mapstructure:"queue_size"`
	BufferSize      int           `mapstructure:"buffer_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
}

// DefaultConfig writes 1 GiB / 5 minute segments under dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FilePrefix:      defaultFilePrefix,
		MaxSegmentBytes: defaultMaxSegmentBytes,
		MaxSegmentAge:   defaultMaxSegmentAge,
		QueueSize:       defaultQueueSize,
		BufferSize:      defaultBufferSize,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Dir)
	if c.FilePrefix == "" {
		c.FilePrefix = def.FilePrefix
	}
	if c.MaxSegmentBytes == 0 {
		c.MaxSegmentBytes = def.MaxSegmentBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = def.BufferSize
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return errors.Wrap(exception.ErrInvalidConfig, "recorder: dir is empty")
	case c.MaxSegmentBytes < 0, c.MaxSegmentAge < 0:
		return errors.Wrap(exception.ErrInvalidConfig, "recorder: segment limits must be >= 0")
	case c.QueueSize < 0, c.BufferSize < 0:
		return errors.Wrap(exception.ErrInvalidConfig, "recorder: queue and buffer sizes must be >= 0")
	case c.FlushInterval < 0, c.SyncInterval < 0:
		return errors.Wrap(exception.ErrInvalidConfig, "recorder: flush and sync intervals must be >= 0")
	}
	return nil
}
