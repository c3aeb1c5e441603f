package chaos

import (
	"math/rand"
	"slices"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/errors"
	"tradecore/pkg/exception"
)

// Config sets the fault rates. Rates are probabilities per item.
type Config struct {
	Seed          int64         `mapstructure:"seed"`
	DropRate      float64       `mapstructure:"drop_rate"`
	DuplicateRate float64       `mapstructure:"duplicate_rate"`
	ReorderWindow int           `mapstructure:"reorder_window"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// Enabled reports whether any fault is configured.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.DuplicateRate > 0 || c.ReorderWindow > 1 || c.MaxDelay > 0
}

func (c Config) Validate() error {
	switch {
	case c.DropRate < 0 || c.DropRate > 1:
		return errors.Wrap(exception.ErrInvalidConfig, "chaos: drop_rate must be within [0,1]")
	case c.DuplicateRate < 0 || c.DuplicateRate > 1:
		return errors.Wrap(exception.ErrInvalidConfig, "chaos: duplicate_rate must be within [0,1]")
	case c.ReorderWindow < 0:
		return errors.Wrap(exception.ErrInvalidConfig, "chaos: reorder_window must be >= 0")
	case c.MaxDelay < 0:
		return errors.Wrap(exception.ErrInvalidConfig, "chaos: max_delay must be >= 0")
	}
	return nil
}

// Shift moves an item later in time by d.
type Shift[T any] func(item T, d time.Duration) T

// Stats counts what the engine did to the stream.
type Stats struct {
	In         uint64 `json:"in"`
	Out        uint64 `json:"out"`
	Dropped    uint64 `json:"dropped"`
	Delayed    uint64 `json:"delayed"`
	Duplicated uint64 `json:"duplicated"`
}

// Engine drops, delays, reorders and duplicates items in that order, all
// decided by one seeded source, so a seed and an input always give the
// same output. A nil *Engine passes items through.
type Engine[T any] struct {
	cfg   Config
	rng   *rand.Rand
	shift Shift[T]
	held  []T
	stats Stats
}

// NewEngine needs shift only when MaxDelay is set. A zero seed picks one
// from the wall clock and logs it so the run can be repeated.
func NewEngine[T any](cfg Config, shift Shift[T]) (*Engine[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxDelay > 0 && shift == nil {
		return nil, errors.Wrap(exception.ErrInvalidConfig, "chaos: max_delay needs a shift function")
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
		logs.Warnf("chaos: no seed configured, using %d", cfg.Seed)
	}
	return &Engine[T]{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		shift: shift,
	}, nil
}

// Process returns the items released by v, possibly none.
func (e *Engine[T]) Process(v T) []T {
	if e == nil {
		return []T{v}
	}
	e.stats.In++
	if e.roll(e.cfg.DropRate) {
		e.stats.Dropped++
		return nil
	}
	v = e.delay(v)
	if e.cfg.ReorderWindow <= 1 {
		return e.emit(nil, v)
	}
	e.held = append(e.held, v)
	if len(e.held) < e.cfg.ReorderWindow {
		return nil
	}
	return e.emit(nil, e.release())
}

// Flush releases everything still held by the reorder window.
func (e *Engine[T]) Flush() []T {
	if e == nil {
		return nil
	}
	var out []T
	for len(e.held) > 0 {
		out = e.emit(out, e.release())
	}
	return out
}

func (e *Engine[T]) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return e.stats
}

func (e *Engine[T]) roll(p float64) bool {
	return p > 0 && e.rng.Float64() < p
}

func (e *Engine[T]) delay(v T) T {
	if e.cfg.MaxDelay <= 0 {
		return v
	}
	d := time.Duration(e.rng.Int63n(int64(e.cfg.MaxDelay) + 1))
	if d == 0 {
		return v
	}
	e.stats.Delayed++
	return e.shift(v, d)
}

// release takes a random held item.
func (e *Engine[T]) release() T {
	i := e.rng.Intn(len(e.held))
	v := e.held[i]
	e.held = slices.Delete(e.held, i, i+1)
	return v
}

func (e *Engine[T]) emit(out []T, v T) []T {
	out = append(out, v)
	e.stats.Out++
	if e.roll(e.cfg.DuplicateRate) {
		out = append(out, v)
		e.stats.Out++
		e.stats.Duplicated++
	}
	return out
}
