package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/errors"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Name is the subscriber name of the risk manager.
const Name = "risk"

// Rejection reasons carried on rejected intents and their Reject events.
const (
	ReasonDailyLossBreaker = "daily_loss_breaker"
	ReasonHoldSignal       = "hold_signal"
	ReasonSignalExpired    = "signal_expired"
	ReasonLowConfidence    = "low_confidence"
	ReasonZeroSize         = "zero_size"
	ReasonNoReferencePrice = "no_reference_price"
	ReasonExposureLimit    = "exposure_limit"
	ReasonMaxConcurrent    = "max_concurrent_positions"
	ReasonReduced          = "reduced_to_headroom"
)

// ExposureView is a read-only copy of one symbol's exposure.
type ExposureView struct {
	Position    decimal.Decimal
	PendingBuy  decimal.Decimal
	PendingSell decimal.Decimal
}

// Manager turns every Signal into exactly one OrderIntent.
type Manager struct {
	cfg     Config
	policy  Policy
	sink    obs.Sink
	metrics *obs.Metrics
	bus     bus.Bus

	mu   sync.Mutex
	book *exposureBook
}

// Option customizes a Manager.
type Option func(*Manager)

// WithSink reports breaker trips to s.
func WithSink(s obs.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithMetrics records evaluation latency.
func WithMetrics(metrics *obs.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager validates cfg, freezes the registry and resolves the policy.
func NewManager(cfg Config, reg *Registry, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(exception.ErrInvalidConfig, err.Error())
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	reg.Freeze()
	policy, err := reg.Lookup(cfg.Policy)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		policy: policy,
		sink:   obs.Nop{},
		book:   newExposureBook(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Attach subscribes the manager to b and publishes its decisions there.
func (m *Manager) Attach(b bus.Bus) {
	m.bus = b
	bus.On(b, Name, m.onSignal)
	bus.On(b, Name, m.onTick)
	bus.On(b, Name, m.onFill)
	bus.On(b, Name, m.onReject)
	bus.On(b, Name, m.onCancel)
	bus.On(b, Name, m.onSnapshot)
	bus.On(b, Name, m.onRollover)
}

// Evaluate decides the intent for a published signal event. Tradable
// intents reserve their quantity until filled, rejected or cancelled.
func (m *Manager) Evaluate(e schema.Event, sig schema.Signal) schema.OrderIntent {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent := schema.OrderIntent{
		SignalID:       e.ID,
		Symbol:         sig.Symbol,
		Side:           sig.Direction.Side(),
		OrderType:      m.cfg.DefaultOrderType,
		MaxSlippageBps: m.cfg.MaxSlippageBps,
		Policy:         m.policy.Name(),
	}
	reject := func(reason string) schema.OrderIntent {
		intent.RiskDecision = schema.RiskDecisionRejected
		intent.Reason = reason
		return intent
	}

	if m.book.breaker {
		return reject(ReasonDailyLossBreaker)
	}
	if sig.Direction == schema.DirectionHold {
		return reject(ReasonHoldSignal)
	}
	if sig.ExpiresAt <= e.Timestamp {
		return reject(ReasonSignalExpired)
	}
	if sig.Confidence < m.cfg.ConfidenceThreshold {
		return reject(ReasonLowConfidence)
	}

	size := m.policy.Size(sig, m.cfg)
	if !size.IsPositive() {
		return reject(ReasonZeroSize)
	}
	intent.Quantity = size

	if intent.OrderType != schema.OrderTypeMarket {
		price := sig.ReferencePrice
		if !price.IsPositive() {
			price = m.book.lastPrice[sig.Symbol]
		}
		if !price.IsPositive() {
			return reject(ReasonNoReferencePrice)
		}
		intent.Price = price
	}

	headroom := m.book.headroom(sig.Symbol, intent.Side, m.cfg.MaxPositionSize)
	if !headroom.IsPositive() {
		return reject(ReasonExposureLimit)
	}
	if !m.book.isOpen(sig.Symbol) && m.book.openCount() >= m.cfg.MaxConcurrentPositions {
		return reject(ReasonMaxConcurrent)
	}

	intent.RiskDecision = schema.RiskDecisionApproved
	if size.GreaterThan(headroom) {
		intent.Quantity = headroom
		intent.RiskDecision = schema.RiskDecisionReduced
		intent.Reason = ReasonReduced
	}
	m.book.reserve(e.ID, sig.Symbol, intent.Side, intent.Quantity)
	return intent
}

func (m *Manager) onSignal(ctx context.Context, e schema.Event, sig schema.Signal) error {
	start := time.Now()
	intent := m.Evaluate(e, sig)
	m.metrics.ObserveRiskEval(time.Since(start))

	published, err := m.bus.Publish(ctx, e.Derive(intent))
	if err != nil {
		m.mu.Lock()
		m.book.unreserve(e.ID)
		m.mu.Unlock()
		return errors.Wrapf(err, "publish intent for signal %d", e.ID)
	}
	if intent.RiskDecision.Tradable() {
		m.mu.Lock()
		m.book.bind(e.ID, published.ID)
		m.mu.Unlock()
		return nil
	}

	_, err = m.bus.Publish(ctx, published.Derive(schema.Reject{
		IntentID: published.ID,
		SignalID: e.ID,
		Reason:   intent.Reason,
	}))
	return err
}

func (m *Manager) onTick(_ context.Context, _ schema.Event, t schema.MarketTick) error {
	m.mu.Lock()
	m.book.lastPrice[t.Symbol] = t.Price
	m.mu.Unlock()
	return nil
}

func (m *Manager) onFill(_ context.Context, e schema.Event, f schema.Fill) error {
	m.mu.Lock()
	m.book.fill(f.IntentID, e.Symbol, f.Side, f.Quantity, f.OrderStatus.Terminal())
	m.mu.Unlock()
	return nil
}

func (m *Manager) onReject(_ context.Context, _ schema.Event, r schema.Reject) error {
	if r.IntentID == 0 {
		return nil
	}
	m.mu.Lock()
	m.book.release(r.IntentID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) onCancel(_ context.Context, _ schema.Event, c schema.Cancel) error {
	m.mu.Lock()
	m.book.release(c.IntentID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) onSnapshot(ctx context.Context, e schema.Event, s schema.PortfolioSnapshot) error {
	m.mu.Lock()
	m.book.netPnL = s.TotalPnL().Sub(s.FeesPaid)
	loss := m.book.dailyLoss()
	tripped := !m.book.breaker && loss.GreaterThanOrEqual(m.cfg.MaxDailyLoss)
	if tripped {
		m.book.breaker = true
	}
	m.mu.Unlock()

	if tripped {
		logs.Warnf("risk: daily loss %s reached limit %s, breaker tripped", loss, m.cfg.MaxDailyLoss)
		m.sink.OnFault(ctx, obs.Fault{
			Kind:      obs.FaultRiskBreaker,
			Component: Name,
			EventID:   e.ID,
			Err:       errors.Wrap(exception.ErrRiskLimitExceeded, fmt.Sprintf("daily loss %s", loss)),
		})
	}
	return nil
}

func (m *Manager) onRollover(_ context.Context, _ schema.Event, r schema.DayRollover) error {
	m.mu.Lock()
	m.book.rollover(r.TradingDay)
	m.mu.Unlock()
	logs.Infof("risk: trading day %q started, breaker reset", r.TradingDay)
	return nil
}

// Exposure returns a copy of the symbol's exposure.
func (m *Manager) Exposure(symbol string) ExposureView {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.book.symbols[symbol]
	if !ok {
		return ExposureView{}
	}
	return ExposureView{Position: s.position, PendingBuy: s.pendingBuy, PendingSell: s.pendingSell}
}

// BreakerTripped reports whether new signals are being refused for the day.
func (m *Manager) BreakerTripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.breaker
}

// DailyLoss returns the loss accumulated since the last rollover.
func (m *Manager) DailyLoss() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.dailyLoss()
}

// Policy returns the resolved sizing policy name.
func (m *Manager) Policy() string {
	return m.policy.Name()
}
