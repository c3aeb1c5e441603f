package ops

import (
	"encoding"
	"reflect"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/backtest"
	"tradecore/internal/bus"
	"tradecore/internal/errors"
	"tradecore/internal/exchange"
	"tradecore/internal/execution"
	"tradecore/internal/portfolio"
	"tradecore/internal/recorder"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/pkg/conn"
	"tradecore/pkg/exception"
)

// Mode selects which validation rules apply.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
	ModeRecord   Mode = "record"
)

// Config is the full runtime configuration.
type Config struct {
	Mode      Mode             `mapstructure:"mode"`
	Risk      risk.Config      `mapstructure:"risk"`
	Execution execution.Config `mapstructure:"execution"`
	Portfolio portfolio.Config `mapstructure:"portfolio"`
	Backtest  BacktestConfig   `mapstructure:"backtest"`
	Bus       BusConfig        `mapstructure:"bus"`
	Exchange  exchange.Config  `mapstructure:"exchange"`
	Feed      FeedConfig       `mapstructure:"feed"`
	Recorder  RecorderConfig   `mapstructure:"recorder"`
	Database  conn.Option      `mapstructure:"database"`
	Store     store.SinkConfig `mapstructure:"store"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Profiling ProfilingConfig  `mapstructure:"profiling"`
}

// BacktestConfig configures a replay run.
type BacktestConfig struct {
	Input     string             `mapstructure:"input"`
	Report    string             `mapstructure:"report"`
	Events    string             `mapstructure:"events"`
	Simulator backtest.SimConfig `mapstructure:"simulator"`
}

// BusConfig configures the live bus.
type BusConfig struct {
	QueueSize int                `mapstructure:"queue_size"`
	Overflow  bus.OverflowPolicy `mapstructure:"overflow"`
}

// FeedConfig names where live source events come from. Path "-" is stdin.
type FeedConfig struct {
	Path      string        `mapstructure:"path"`
	Socket    string        `mapstructure:"socket"`
	SignalTTL time.Duration `mapstructure:"signal_ttl"`
}

// RecorderConfig enables the WAL for live sessions.
type RecorderConfig struct {
	Enabled         bool            `mapstructure:"enabled"`
	WAL             recorder.Config `mapstructure:"wal"`
	SnapshotPath    string          `mapstructure:"snapshot_path"`
	SnapshotOnClose bool            `mapstructure:"snapshot_on_close"`
}

// MetricsConfig exposes prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProfilingConfig points at a pyroscope server.
type ProfilingConfig struct {
	Server  string `mapstructure:"server"`
	AppName string `mapstructure:"app_name"`
}

// Default returns a configuration that validates for backtests.
func Default() Config {
	return Config{
		Mode:      ModeBacktest,
		Risk:      risk.DefaultConfig(),
		Execution: execution.DefaultConfig(),
		Portfolio: portfolio.Config{StartingCash: decimal.NewFromInt(100_000), SnapshotEvery: 1},
		Backtest:  BacktestConfig{Simulator: backtest.DefaultSimConfig()},
		Bus:       BusConfig{QueueSize: 1024, Overflow: bus.OverflowDropOldest},
		Exchange:  exchange.Config{Timeout: 5 * time.Second, PollInterval: 500 * time.Millisecond},
		Feed:      FeedConfig{SignalTTL: time.Minute},
		Recorder: RecorderConfig{
			WAL:             recorder.DefaultConfig("data/wal"),
			SnapshotOnClose: true,
		},
		Store:     store.SinkConfig{BatchSize: 256, FlushInterval: 200 * time.Millisecond, QueueSize: 4096},
		Profiling: ProfilingConfig{AppName: "tradecore"},
	}
}

// BacktestEngine assembles the replay engine configuration.
func (c Config) BacktestEngine() backtest.Config {
	return backtest.Config{
		Simulator: c.Backtest.Simulator,
		Risk:      c.Risk,
		Execution: c.Execution,
		Portfolio: c.Portfolio,
	}
}

// Validate checks the configuration for c.Mode. Every failure wraps
// exception.ErrInvalidConfig.
func (c Config) Validate() error {
	invalid := func(err error) error {
		if err == nil {
			return nil
		}
		if errors.Is(err, exception.ErrInvalidConfig) {
			return err
		}
		return errors.Wrap(exception.ErrInvalidConfig, err.Error())
	}

	switch c.Mode {
	case ModeBacktest, ModeLive, ModeRecord:
	default:
		return errors.Wrapf(exception.ErrInvalidConfig, "unknown mode %q", c.Mode)
	}
	if err := c.Risk.Validate(); err != nil {
		return invalid(err)
	}
	if c.Portfolio.StartingCash.IsNegative() {
		return errors.Wrap(exception.ErrInvalidConfig, "portfolio starting_cash must be >= 0")
	}
	if c.Execution.Backoff.MaxAttempts < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "execution backoff max_attempts must be >= 0")
	}
	if err := c.Database.Validate(); err != nil {
		return invalid(err)
	}

	switch c.Mode {
	case ModeBacktest:
		if err := c.Backtest.Simulator.Validate(); err != nil {
			return invalid(err)
		}
	case ModeLive:
		if err := c.Exchange.Validate(); err != nil {
			return invalid(err)
		}
		if c.Feed.Path == "" && c.Feed.Socket == "" {
			return errors.Wrap(exception.ErrInvalidConfig, "live mode needs feed path or socket")
		}
		if c.Portfolio.SnapshotEvery > 1 {
			return errors.Wrap(exception.ErrInvalidConfig, "live mode snapshots after every fill, snapshot_every must be 1")
		}
		if c.Bus.QueueSize < 0 {
			return errors.Wrap(exception.ErrInvalidConfig, "bus queue_size must be >= 0")
		}
	case ModeRecord:
		if c.Feed.Path == "" {
			return errors.Wrap(exception.ErrInvalidConfig, "record mode needs feed path")
		}
	}

	if c.Recorder.Enabled || c.Mode == ModeRecord {
		if err := c.Recorder.WAL.Validate(); err != nil {
			return invalid(err)
		}
	}
	return nil
}

// leafTypes are struct types decoded from a single value.
var leafTypes = map[reflect.Type]bool{
	reflect.TypeOf(decimal.Decimal{}): true,
	reflect.TypeOf(time.Duration(0)):  true,
}

var textUnmarshaler = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// keys lists the dotted mapstructure keys of every leaf field of t.
func keys(t reflect.Type, prefix string) []string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || leafTypes[t] || reflect.PointerTo(t).Implements(textUnmarshaler) {
		return []string{prefix}
	}

	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("mapstructure")
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		out = append(out, keys(f.Type, key)...)
	}
	return out
}
