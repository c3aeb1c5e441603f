package execution

import (
	"math/rand"
	"time"
)

// Backoff is the retry schedule for exchange calls.
type Backoff struct {
	Min         time.Duration `mapstructure:"min"`
	Max         time.Duration `mapstructure:"max"`
	Factor      float64       `mapstructure:"factor"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// DefaultBackoff provides conservative retry defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:         250 * time.Millisecond,
		Max:         5 * time.Second,
		Factor:      2.0,
		Jitter:      0.2,
		MaxAttempts: 4,
	}
}

// Attempts returns the bounded number of tries, at least one.
func (b Backoff) Attempts() int {
	if b.MaxAttempts <= 0 {
		return 1
	}
	return b.MaxAttempts
}

// Next returns the wait after the given failed attempt (1-based). Jitter is
// drawn from rng; a nil rng disables it so replays stay reproducible.
func (b Backoff) Next(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 || rng == nil {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rng.Float64()*2*delta)
}
