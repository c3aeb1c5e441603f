package obs

import (
	"context"
	"sync"

	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
)

// Fault kinds reported to sinks.
const (
	FaultMalformedEvent      = "MalformedEvent"
	FaultHandlerFailed       = "HandlerFailed"
	FaultBackpressure        = "Backpressure"
	FaultDuplicateEvent      = "DuplicateEventIgnored"
	FaultLateCancel          = "LateCancelIgnored"
	FaultFillAfterCancel     = "FillAfterCancel"
	FaultOverfill            = "Overfill"
	FaultUnknownOrder        = "UnknownOrder"
	FaultInvalidTransition   = "InvalidTransition"
	FaultRejectedAtIngestion = "RejectedAtIngestion"
	FaultExecutionTransient  = "ExecutionTransient"
	FaultExecutionTerminal   = "ExecutionTerminal"
	FaultRiskBreaker         = "DailyLossBreaker"
	FaultPersistence         = "PersistenceFailed"
	FaultReportFailed        = "ReportFailed"
)

// Fault is a recoverable problem observed by a component.
type Fault struct {
	Kind      string
	Component string
	EventID   uint64
	Symbol    string
	Err       error
}

// Sink receives every delivered event and every recoverable fault.
// Implementations must be safe for concurrent use.
type Sink interface {
	OnEvent(ctx context.Context, e schema.Event)
	OnFault(ctx context.Context, f Fault)
}

// Sinks fans out to several sinks in order.
type Sinks []Sink

func (s Sinks) OnEvent(ctx context.Context, e schema.Event) {
	for _, sink := range s {
		if sink != nil {
			sink.OnEvent(ctx, e)
		}
	}
}

func (s Sinks) OnFault(ctx context.Context, f Fault) {
	for _, sink := range s {
		if sink != nil {
			sink.OnFault(ctx, f)
		}
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) OnEvent(context.Context, schema.Event) {}
func (Nop) OnFault(context.Context, Fault)        {}

// LogSink writes events and faults through the process logger.
type LogSink struct {
	// Events enables per-event logging, which is noisy on tick-heavy feeds.
	Events bool
}

func (l LogSink) OnEvent(_ context.Context, e schema.Event) {
	if !l.Events {
		return
	}
	logs.Infof("event id=%d type=%s symbol=%s ts=%d cause=%d", e.ID, e.Type, e.Symbol, e.Timestamp, e.CausationID)
}

func (l LogSink) OnFault(_ context.Context, f Fault) {
	switch f.Kind {
	case FaultHandlerFailed, FaultExecutionTerminal, FaultPersistence, FaultReportFailed:
		logs.Errorf("fault kind=%s component=%s event=%d symbol=%s err=%v", f.Kind, f.Component, f.EventID, f.Symbol, f.Err)
	default:
		logs.Warnf("fault kind=%s component=%s event=%d symbol=%s err=%v", f.Kind, f.Component, f.EventID, f.Symbol, f.Err)
	}
}

// MetricsSink feeds a Metrics container.
type MetricsSink struct {
	Metrics *Metrics
}

func (m MetricsSink) OnEvent(_ context.Context, e schema.Event) {
	m.Metrics.ObserveEvent(e)
	// Rejected intents are always followed by a Reject, which is what gets counted.
	if p, ok := e.Payload.(schema.Reject); ok {
		m.Metrics.IncRejectReason(p.Reason)
	}
}

func (m MetricsSink) OnFault(_ context.Context, f Fault) {
	m.Metrics.IncFault(f.Kind)
	if f.Kind == FaultBackpressure {
		m.Metrics.IncQueueDrop()
	}
}

// Recorder keeps everything in memory. Tests and the backtest report use it.
type Recorder struct {
	mu     sync.Mutex
	events []schema.Event
	faults []Fault
}

// NewRecorder returns an empty in-memory sink.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnEvent(_ context.Context, e schema.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) OnFault(_ context.Context, f Fault) {
	r.mu.Lock()
	r.faults = append(r.faults, f)
	r.mu.Unlock()
}

// Events returns a copy of the observed events.
func (r *Recorder) Events() []schema.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.Event(nil), r.events...)
}

// Faults returns a copy of the observed faults.
func (r *Recorder) Faults() []Fault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Fault(nil), r.faults...)
}

// FaultsOf returns the faults of one kind.
func (r *Recorder) FaultsOf(kind string) []Fault {
	var out []Fault
	for _, f := range r.Faults() {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// EventsOf returns the events of one type.
func (r *Recorder) EventsOf(t schema.EventType) []schema.Event {
	var out []schema.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
