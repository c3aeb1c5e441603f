package recorder

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

// Sink records every published event to the WAL. A failed append never
// blocks the bus; it is logged and counted as a persistence fault.
type Sink struct {
	w       *Writer
	metrics *obs.Metrics
	failed  uint64
}

// NewSink wraps a started writer.
func NewSink(w *Writer, metrics *obs.Metrics) *Sink {
	return &Sink{w: w, metrics: metrics}
}

func (s *Sink) OnEvent(_ context.Context, e schema.Event) {
	if s == nil || s.w == nil {
		return
	}
	if err := s.w.Append(e); err != nil {
		if atomic.AddUint64(&s.failed, 1) == 1 {
			logs.Errorf("wal append %s #%d failed, err: %+v", e.Type, e.ID, err)
		}
		s.metrics.IncFault(obs.FaultPersistence)
	}
}

func (s *Sink) OnFault(context.Context, obs.Fault) {}

// Failed returns the number of events that could not be recorded.
func (s *Sink) Failed() uint64 {
	if s == nil {
		return 0
	}
	return atomic.LoadUint64(&s.failed)
}
