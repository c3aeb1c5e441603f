package backtest

import (
	"context"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/errors"
	"tradecore/internal/execution"
	"tradecore/internal/obs"
	"tradecore/internal/portfolio"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Config assembles the components of one replay.
type Config struct {
	Simulator SimConfig        `mapstructure:"simulator"`
	Risk      risk.Config      `mapstructure:"risk"`
	Execution execution.Config `mapstructure:"execution"`
	Portfolio portfolio.Config `mapstructure:"portfolio"`
}

// DefaultConfig returns defaults for every component.
func DefaultConfig() Config {
	return Config{
		Simulator: DefaultSimConfig(),
		Risk:      risk.DefaultConfig(),
		Execution: execution.DefaultConfig(),
		Portfolio: portfolio.Config{SnapshotEvery: 1},
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSink adds an observer of every replayed event and fault.
func WithSink(s obs.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.extra = append(e.extra, s)
		}
	}
}

// WithRegistry selects sizing policies from r instead of the defaults.
func WithRegistry(r *risk.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// Engine replays a source log through the live components on a SyncBus
// with a simulated exchange. One event is handled end to end before the
// next is read, so equal inputs produce identical event sequences.
type Engine struct {
	cfg      Config
	extra    []obs.Sink
	registry *risk.Registry

	journal *bus.Journal
	metrics *obs.Metrics
	bus     *bus.SyncBus
	risk    *risk.Manager
	exec    *execution.Manager
	tracker *portfolio.Tracker
	sim     *Simulator

	signals   map[uint64]uint64
	sources   int
	malformed int
	ran       bool
}

// New wires a fresh set of components.
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, signals: make(map[uint64]uint64)}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = risk.DefaultRegistry()
	}

	sim, err := NewSimulator(cfg.Simulator)
	if err != nil {
		return nil, errors.Wrap(exception.ErrInvalidConfig, err.Error())
	}
	e.sim = sim
	e.metrics = obs.NewMetrics()
	e.journal = bus.NewJournal()

	sinks := obs.Sinks{obs.MetricsSink{Metrics: e.metrics}, obs.LogSink{}}
	for _, s := range e.extra {
		sinks = append(sinks, s)
	}
	e.bus = bus.NewSync(bus.Config{Journal: e.journal, Sink: sinks, Metrics: e.metrics})

	e.risk, err = risk.NewManager(cfg.Risk, e.registry, risk.WithSink(sinks), risk.WithMetrics(e.metrics))
	if err != nil {
		return nil, err
	}
	e.exec, err = execution.NewManager(cfg.Execution, sim,
		execution.WithClock(&clock.Virtual{}),
		execution.WithSink(sinks),
		execution.WithMetrics(e.metrics),
	)
	if err != nil {
		return nil, err
	}
	e.tracker = portfolio.NewTracker(cfg.Portfolio)

	e.risk.Attach(e.bus)
	e.exec.Attach(e.bus)
	e.tracker.Attach(e.bus)
	return e, nil
}

// Run replays events and returns the run report. Simulator reports due at
// or before an event's timestamp are delivered before it; those due after
// the last event stay undelivered. The run ends with a final snapshot.
func (e *Engine) Run(ctx context.Context, events []schema.Event) (*Report, error) {
	if e.ran {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "backtest engine already ran")
	}
	e.ran = true
	defer e.bus.Close()

	runID := uuid.NewString()
	events = Prepare(events)
	logs.Infof("backtest %s: replaying %d source events", runID, len(events))

	var last int64
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.deliver(ctx, ev.Timestamp); err != nil {
			return nil, err
		}
		if err := e.publish(ctx, ev); err != nil {
			return nil, err
		}
		last = ev.Timestamp
	}
	e.sim.Flush()
	if err := e.deliver(ctx, last); err != nil {
		return nil, err
	}

	var cause schema.Event
	if n := e.journal.Len(); n > 0 {
		cause = e.journal.Events()[n-1]
	}
	final, err := e.tracker.EmitFinal(ctx, cause)
	if err != nil {
		return nil, errors.Wrap(err, "emit final snapshot")
	}

	report, err := e.report(runID, final)
	if err != nil {
		return nil, err
	}
	logs.Infof("backtest %s: %d events, %d fills, %d open orders, equity %s",
		runID, report.Events, final.FillCount, len(report.OpenOrders), final.Equity)
	return report, nil
}

func (e *Engine) publish(ctx context.Context, ev schema.Event) error {
	orig := ev.ID
	ev.ID = 0
	ev.CausationID = 0
	if req, ok := ev.Payload.(schema.CancelRequest); ok {
		req.SignalID = e.signals[req.SignalID]
		ev.Payload = req
	}

	published, err := e.bus.Publish(ctx, ev)
	if err != nil {
		if errors.Is(err, exception.ErrMalformedEvent) {
			e.malformed++
			return nil
		}
		return errors.Wrapf(err, "replay %s", ev.Type)
	}
	e.sources++

	switch p := published.Payload.(type) {
	case schema.Signal:
		if orig != 0 {
			e.signals[orig] = published.ID
		}
	case schema.MarketTick:
		e.sim.OnTick(published, p)
	}
	return nil
}

// deliver hands every simulator report due at ts to the execution manager.
func (e *Engine) deliver(ctx context.Context, ts int64) error {
	for {
		due := e.sim.Due(ts)
		if len(due) == 0 {
			return nil
		}
		for _, r := range due {
			if err := e.exec.HandleReport(ctx, r); err != nil {
				return errors.Wrapf(err, "deliver %s for intent %d", r.Kind, r.IntentID)
			}
		}
	}
}

// Journal exposes the replayed event table.
func (e *Engine) Journal() *bus.Journal { return e.journal }

// Tracker exposes the portfolio of the replay.
func (e *Engine) Tracker() *portfolio.Tracker { return e.tracker }

// Execution exposes the order book of the replay.
func (e *Engine) Execution() *execution.Manager { return e.exec }

// Metrics exposes the run counters.
func (e *Engine) Metrics() *obs.Metrics { return e.metrics }
