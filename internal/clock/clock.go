package clock

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts waiting so that retries and playback pacing can run
// without wall-clock delays in backtests.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Real sleeps on the wall clock.
type Real struct{}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Virtual never blocks; it only accumulates the requested waits.
type Virtual struct {
	mu    sync.Mutex
	slept time.Duration
	calls int
}

func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if d > 0 {
		v.slept += d
	}
	return nil
}

// Slept returns the total virtual time waited and the number of waits.
func (v *Virtual) Slept() (time.Duration, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.slept, v.calls
}
