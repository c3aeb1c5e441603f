package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/errors"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Name is the subscriber name of the execution manager.
const Name = "execution"

// ReasonPlacementFailed prefixes rejects caused by exhausted placement retries.
const ReasonPlacementFailed = "placement_failed"

// Config controls retries and fill rounding.
type Config struct {
	Backoff Backoff         `mapstructure:"backoff"`
	Epsilon decimal.Decimal `mapstructure:"fill_epsilon"`
	// JitterSeed seeds retry jitter. Zero disables jitter.
	JitterSeed int64 `mapstructure:"jitter_seed"`
}

// DefaultConfig returns retry defaults with a tiny fill epsilon.
func DefaultConfig() Config {
	return Config{
		Backoff: DefaultBackoff(),
		Epsilon: decimal.New(1, -9),
	}
}

// Manager realizes tradable intents against an Exchange and turns its
// answers into OrderAck, Fill, Reject and Cancel events.
type Manager struct {
	cfg      Config
	exchange Exchange
	clock    clock.Clock
	sink     obs.Sink
	metrics  *obs.Metrics
	rng      *rand.Rand
	bus      bus.Bus

	mu   sync.Mutex
	book *Book
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used between retries.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithSink reports anomalies and ignored events to s.
func WithSink(s obs.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithMetrics records placement latency.
func WithMetrics(metrics *obs.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a manager for ex.
func NewManager(cfg Config, ex Exchange, opts ...Option) (*Manager, error) {
	if ex == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "exchange")
	}
	if cfg.Epsilon.IsNegative() {
		return nil, errors.Wrap(exception.ErrInvalidConfig, "fill_epsilon must be >= 0")
	}
	m := &Manager{
		cfg:      cfg,
		exchange: ex,
		clock:    clock.Real{},
		sink:     obs.Nop{},
		book:     NewBook(cfg.Epsilon),
	}
	if cfg.JitterSeed != 0 {
		m.rng = rand.New(rand.NewSource(cfg.JitterSeed))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Attach subscribes to intents and cancel requests on b.
func (m *Manager) Attach(b bus.Bus) {
	m.bus = b
	bus.On(b, Name, m.onIntent)
	bus.On(b, Name, m.onCancelRequest)
}

func (m *Manager) onIntent(ctx context.Context, e schema.Event, intent schema.OrderIntent) error {
	if !intent.RiskDecision.Tradable() {
		return nil
	}

	m.mu.Lock()
	o, err := m.book.Open(e, intent)
	m.mu.Unlock()
	if err != nil {
		m.fault(ctx, obs.FaultDuplicateEvent, e.ID, e.Symbol, err)
		return nil
	}

	req := OrderRequest{
		ClientOrderID:  ClientOrderID(e.ID),
		IntentID:       e.ID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.OrderType,
		Quantity:       intent.Quantity,
		Price:          intent.Price,
		MaxSlippageBps: intent.MaxSlippageBps,
		Timestamp:      e.Timestamp,
	}

	start := time.Now()
	placement, err := m.place(ctx, req)
	m.metrics.ObservePlacement(time.Since(start))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.fault(ctx, obs.FaultExecutionTerminal, e.ID, e.Symbol, errors.Wrap(exception.ErrExecutionTerminal, err.Error()))
		if rerr := m.book.ApplyReject(o); rerr != nil {
			return nil
		}
		return m.emit(ctx, o, o.lastEventID, 0, schema.Reject{
			IntentID: o.IntentID,
			SignalID: o.SignalID,
			Reason:   fmt.Sprintf("%s: %v", ReasonPlacementFailed, err),
		})
	}
	if !placement.Acked || placement.ExchangeOrderID == "" {
		return nil
	}
	return m.ackLocked(ctx, o, placement.ExchangeOrderID, 0)
}

// place calls the exchange with bounded retries.
func (m *Manager) place(ctx context.Context, req OrderRequest) (Placement, error) {
	attempts := m.cfg.Backoff.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		placement, err := m.exchange.PlaceOrder(ctx, req)
		if err == nil {
			return placement, nil
		}
		lastErr = err
		if errors.Is(err, exception.ErrExecutionTerminal) {
			break
		}
		m.fault(ctx, obs.FaultExecutionTransient, req.IntentID, req.Symbol, err)
		if attempt == attempts {
			break
		}
		if err := m.clock.Sleep(ctx, m.cfg.Backoff.Next(attempt, m.rng)); err != nil {
			lastErr = err
			break
		}
	}
	return Placement{}, lastErr
}

func (m *Manager) onCancelRequest(ctx context.Context, e schema.Event, req schema.CancelRequest) error {
	m.mu.Lock()
	o, ok := m.book.Lookup(req.IntentID, "")
	if !ok && req.SignalID != 0 {
		o, ok = m.book.BySignal(req.SignalID)
	}
	if !ok {
		m.mu.Unlock()
		m.fault(ctx, obs.FaultUnknownOrder, e.ID, e.Symbol,
			errors.Wrapf(exception.ErrUnknownOrder, "cancel intent %d signal %d", req.IntentID, req.SignalID))
		return nil
	}

	switch o.Status {
	case schema.OrderStatusPending:
		o.CancelRequested = true
		o.cancelReason = req.Reason
		o.cancelCause = e.ID
		m.mu.Unlock()
		return nil
	case schema.OrderStatusAcknowledged:
		intentID, exchangeID := o.IntentID, o.ExchangeOrderID
		m.mu.Unlock()
		return m.cancel(ctx, intentID, exchangeID, e.ID, req.Reason)
	default:
		intentID, status := o.IntentID, o.Status
		m.mu.Unlock()
		logs.Warnf("execution: late cancel for intent %d ignored, order is %s", intentID, status)
		m.fault(ctx, obs.FaultLateCancel, e.ID, e.Symbol,
			errors.Wrapf(exception.ErrLateCancelIgnored, "intent %d is %s", intentID, status))
		return nil
	}
}

// cancel asks the exchange to cancel and records the confirmation.
func (m *Manager) cancel(ctx context.Context, intentID uint64, exchangeID string, cause uint64, reason string) error {
	attempts := m.cfg.Backoff.Attempts()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = m.exchange.CancelOrder(ctx, exchangeID); err == nil {
			break
		}
		if errors.Is(err, exception.ErrExecutionTerminal) || attempt == attempts {
			break
		}
		if serr := m.clock.Sleep(ctx, m.cfg.Backoff.Next(attempt, m.rng)); serr != nil {
			err = serr
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.book.Lookup(intentID, exchangeID)
	if !ok {
		return nil
	}
	if err != nil {
		m.fault(ctx, obs.FaultExecutionTerminal, intentID, o.Symbol, errors.Wrapf(err, "cancel %s", exchangeID))
		return nil
	}
	if aerr := m.book.ApplyCancel(o); aerr != nil {
		m.classify(ctx, o, aerr)
		return nil
	}
	return m.emit(ctx, o, cause, 0, schema.Cancel{
		IntentID:        o.IntentID,
		ExchangeOrderID: o.ExchangeOrderID,
		FilledQuantity:  o.FilledQuantity,
		Reason:          reason,
	})
}

// HandleReport applies an asynchronous exchange report. Duplicates and
// late or unknown reports are reported to the sink and return nil.
func (m *Manager) HandleReport(ctx context.Context, r Report) error {
	m.mu.Lock()
	o, ok := m.book.Lookup(r.IntentID, r.ExchangeOrderID)
	if !ok {
		m.mu.Unlock()
		m.fault(ctx, obs.FaultUnknownOrder, r.IntentID, "",
			errors.Wrapf(exception.ErrUnknownOrder, "%s report intent %d exchange %s", r.Kind, r.IntentID, r.ExchangeOrderID))
		return nil
	}

	switch r.Kind {
	case ReportAck:
		err := m.ackLocked(ctx, o, r.ExchangeOrderID, r.Timestamp)
		m.mu.Unlock()
		return err
	case ReportFill:
		err := m.fillLocked(ctx, o, r)
		m.mu.Unlock()
		return err
	case ReportCancelled:
		defer m.mu.Unlock()
		if err := m.book.ApplyCancel(o); err != nil {
			m.classify(ctx, o, err)
			return nil
		}
		reason := r.Reason
		if reason == "" {
			reason = "cancelled_by_exchange"
		}
		return m.emit(ctx, o, o.lastEventID, r.Timestamp, schema.Cancel{
			IntentID:        o.IntentID,
			ExchangeOrderID: o.ExchangeOrderID,
			FilledQuantity:  o.FilledQuantity,
			Reason:          reason,
		})
	case ReportRejected:
		defer m.mu.Unlock()
		if err := m.book.ApplyReject(o); err != nil {
			m.classify(ctx, o, err)
			return nil
		}
		reason := r.Reason
		if reason == "" {
			reason = "rejected_by_exchange"
		}
		return m.emit(ctx, o, o.lastEventID, r.Timestamp, schema.Reject{
			IntentID: o.IntentID,
			SignalID: o.SignalID,
			Reason:   reason,
		})
	default:
		m.mu.Unlock()
		return errors.Wrapf(exception.ErrInvalidArgument, "report kind %d", r.Kind)
	}
}

// ackLocked applies an ack and sends a deferred cancel when one is waiting
// and the order can still be cancelled.
// Callers hold m.mu; it is released and re-acquired around the cancel call.
func (m *Manager) ackLocked(ctx context.Context, o *Order, exchangeID string, ts int64) error {
	if err := m.book.ApplyAck(o, exchangeID); err != nil {
		m.classify(ctx, o, err)
		return nil
	}
	if err := m.emit(ctx, o, o.lastEventID, ts, schema.OrderAck{
		IntentID:        o.IntentID,
		ExchangeOrderID: exchangeID,
		Quantity:        o.Quantity,
	}); err != nil {
		return err
	}
	if !o.CancelRequested {
		return nil
	}
	if o.Status.Terminal() {
		m.dropDeferredCancel(ctx, o)
		return nil
	}

	// fills that raced ahead of the ack do not void a cancel accepted while pending
	o.CancelRequested = false
	intentID, cause, reason := o.IntentID, o.cancelCause, o.cancelReason
	m.mu.Unlock()
	err := m.cancel(ctx, intentID, exchangeID, cause, reason)
	m.mu.Lock()
	return err
}

func (m *Manager) fillLocked(ctx context.Context, o *Order, r Report) error {
	before := o.mark()
	res, err := m.book.ApplyFill(o, r.TradeID, r.Quantity, r.Price, r.Fee)
	if err != nil {
		if res.Anomaly == AnomalyOverfill {
			m.overfill(ctx, o, r, res)
		} else {
			m.classify(ctx, o, err)
		}
		return nil
	}
	err = m.emit(ctx, o, o.lastEventID, r.Timestamp, schema.Fill{
		IntentID:         o.IntentID,
		ExchangeOrderID:  o.ExchangeOrderID,
		TradeID:          r.TradeID,
		Side:             o.Side,
		Quantity:         res.Applied,
		Price:            r.Price,
		Fee:              res.Fee,
		FilledQuantity:   o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice,
		OrderStatus:      o.Status,
	})
	if err != nil {
		// the portfolio never saw it, so a redelivered report must apply again
		o.undo(before, r.TradeID)
		return err
	}

	if o.CancelRequested && o.Status.Terminal() {
		m.dropDeferredCancel(ctx, o)
	}

	switch res.Anomaly {
	case AnomalyOverfill:
		m.overfill(ctx, o, r, res)
	case AnomalyFillAfterCancel:
		logs.Warnf("execution: fill %s after cancel of intent %d applied", r.TradeID, o.IntentID)
		m.fault(ctx, obs.FaultFillAfterCancel, o.lastEventID, o.Symbol,
			fmt.Errorf("intent %d filled %s after cancel", o.IntentID, res.Applied))
	}
	return nil
}

// dropDeferredCancel resolves a cancel that was waiting for an ack when the
// order reached a terminal state first.
func (m *Manager) dropDeferredCancel(ctx context.Context, o *Order) {
	o.CancelRequested = false
	if o.Status != schema.OrderStatusFilled {
		return
	}
	logs.Warnf("execution: deferred cancel for intent %d ignored, order is %s", o.IntentID, o.Status)
	m.fault(ctx, obs.FaultLateCancel, o.cancelCause, o.Symbol,
		errors.Wrapf(exception.ErrLateCancelIgnored, "intent %d is %s", o.IntentID, o.Status))
}

func (m *Manager) overfill(ctx context.Context, o *Order, r Report, res FillResult) {
	m.fault(ctx, obs.FaultOverfill, o.lastEventID, o.Symbol,
		errors.Wrapf(exception.ErrInvalidFill, "intent %d overfilled by %s", o.IntentID, r.Quantity.Sub(res.Applied)))
}

// emit publishes p for o. Callers hold m.mu so events of one order are
// published in the order their state changed.
func (m *Manager) emit(ctx context.Context, o *Order, cause uint64, ts int64, p schema.Payload) error {
	if ts <= 0 {
		ts = o.lastTs
	}
	if cause == 0 {
		cause = o.lastEventID
	}
	published, err := m.bus.Publish(ctx, schema.NewEvent(p, o.Symbol, ts, cause))
	if err != nil {
		return errors.Wrapf(err, "publish %s for intent %d", p.EventType(), o.IntentID)
	}
	o.lastEventID = published.ID
	o.lastTs = ts
	return nil
}

func (m *Manager) classify(ctx context.Context, o *Order, err error) {
	kind := obs.FaultInvalidTransition
	if errors.Is(err, exception.ErrDuplicateEvent) {
		kind = obs.FaultDuplicateEvent
	}
	m.fault(ctx, kind, o.lastEventID, o.Symbol, err)
}

func (m *Manager) fault(ctx context.Context, kind string, eventID uint64, symbol string, err error) {
	m.sink.OnFault(ctx, obs.Fault{
		Kind:      kind,
		Component: Name,
		EventID:   eventID,
		Symbol:    symbol,
		Err:       err,
	})
}

// Order returns a copy of the order created for an intent.
func (m *Manager) Order(intentID uint64) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.book.Lookup(intentID, "")
	if !ok {
		return Order{}, false
	}
	return o.clone(), true
}

// OpenOrders lists orders that have not reached a terminal state.
func (m *Manager) OpenOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.OpenOrders()
}
