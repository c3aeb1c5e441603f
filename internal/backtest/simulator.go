package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/chaos"
	"tradecore/internal/errors"
	"tradecore/internal/execution"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Exchange-side rejection reasons of the simulator.
const (
	ReasonSlippageLimit = "slippage_limit"
	ReasonNoMarketPrice = "no_market_price"
)

var (
	bpsScale = decimal.NewFromInt(10_000)
	one      = decimal.NewFromInt(1)
)

type scheduled struct {
	at     int64
	seq    uint64
	report execution.Report
}

// later moves a report d further into event time.
func later(item scheduled, d time.Duration) scheduled {
	item.at += d.Nanoseconds()
	item.report.Timestamp = item.at
	return item
}

type simOrder struct {
	req       execution.OrderRequest
	id        string
	ackAt     int64
	fills     int
	executed  bool
	cancelled bool
}

// Simulator is an in-memory exchange driven by event time. It never
// answers synchronously: acks, fills and rejects are scheduled at the
// request time plus latency and collected with Due.
type Simulator struct {
	cfg   SimConfig
	chaos *chaos.Engine[scheduled]

	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	queue   []scheduled
	orders  map[string]*simOrder
	resting []*simOrder
	last    map[string]decimal.Decimal
	vol     map[string]float64
}

// NewSimulator creates a simulator from a validated config.
func NewSimulator(cfg SimConfig) (*Simulator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		cfg:    cfg,
		orders: make(map[string]*simOrder),
		last:   make(map[string]decimal.Decimal),
		vol:    make(map[string]float64),
	}
	if cfg.Chaos.Enabled() {
		engine, err := chaos.NewEngine[scheduled](cfg.Chaos, later)
		if err != nil {
			return nil, err
		}
		s.chaos = engine
	}
	return s, nil
}

func (s *Simulator) PlaceOrder(_ context.Context, req execution.OrderRequest) (execution.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	o := &simOrder{
		req:   req,
		id:    fmt.Sprintf("sim-%d", s.nextID),
		ackAt: req.Timestamp + s.cfg.Latency.Nanoseconds(),
	}
	s.orders[o.id] = o

	if req.Type != schema.OrderTypeMarket {
		s.schedule(o.ackAt, s.ack(o))
		s.resting = append(s.resting, o)
		return execution.Placement{ExchangeOrderID: o.id}, nil
	}

	ref, ok := s.last[req.Symbol]
	if !ok {
		s.rejectLocked(o, o.ackAt, ReasonNoMarketPrice)
		return execution.Placement{ExchangeOrderID: o.id}, nil
	}
	price, ok := s.slipped(o, ref)
	if !ok {
		s.rejectLocked(o, o.ackAt, ReasonSlippageLimit)
		return execution.Placement{ExchangeOrderID: o.id}, nil
	}
	s.schedule(o.ackAt, s.ack(o))
	s.executeLocked(o, price, o.ackAt)
	return execution.Placement{ExchangeOrderID: o.id}, nil
}

// CancelOrder removes a resting order. Orders that already executed cannot
// be cancelled.
func (s *Simulator) CancelOrder(_ context.Context, exchangeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[exchangeOrderID]
	if !ok {
		return errors.Wrapf(exception.ErrExecutionTerminal, "unknown order %s", exchangeOrderID)
	}
	if o.executed {
		return errors.Wrapf(exception.ErrExecutionTerminal, "order %s already executed", exchangeOrderID)
	}
	o.cancelled = true
	s.removeResting(o)
	return nil
}

// OnTick updates the reference price and volatility estimate, then
// triggers resting limit and stop orders crossed by the tick.
func (s *Simulator) OnTick(e schema.Event, tick schema.MarketTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.last[tick.Symbol]; ok && prev.IsPositive() {
		ret := tick.Price.Div(prev).Sub(one).Abs().Mul(bpsScale).InexactFloat64()
		alpha := s.cfg.Slippage.VolatilityAlpha
		s.vol[tick.Symbol] = alpha*ret + (1-alpha)*s.vol[tick.Symbol]
	}
	s.last[tick.Symbol] = tick.Price

	at := e.Timestamp + s.cfg.Latency.Nanoseconds()
	kept := s.resting[:0]
	for _, o := range s.resting {
		if o.req.Symbol != tick.Symbol || o.ackAt > e.Timestamp || !s.trigger(o, tick.Price, at) {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(s.resting); i++ {
		s.resting[i] = nil
	}
	s.resting = kept
}

// trigger executes o when price crosses its level and reports whether the
// order left the book.
func (s *Simulator) trigger(o *simOrder, price decimal.Decimal, at int64) bool {
	buy := o.req.Side == schema.OrderSideBuy
	level := o.req.Price
	switch o.req.Type {
	case schema.OrderTypeLimit:
		if (buy && price.GreaterThan(level)) || (!buy && price.LessThan(level)) {
			return false
		}
		s.executeLocked(o, level, at)
		return true
	case schema.OrderTypeStop:
		if (buy && price.LessThan(level)) || (!buy && price.GreaterThan(level)) {
			return false
		}
		fillPrice, ok := s.slipped(o, price)
		if !ok {
			o.executed = true
			s.rejectLocked(o, at, ReasonSlippageLimit)
			return true
		}
		s.executeLocked(o, fillPrice, at)
		return true
	default:
		return false
	}
}

// SlippageBps returns the impact the simulator would charge for qty now.
func (s *Simulator) SlippageBps(symbol string, qty decimal.Decimal) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slippageBps(symbol, qty)
}

func (s *Simulator) slippageBps(symbol string, qty decimal.Decimal) float64 {
	cfg := s.cfg.Slippage
	return cfg.BaseBps + cfg.SizeImpactBps*qty.InexactFloat64() + cfg.VolatilityFactor*s.vol[symbol]
}

// slipped moves ref against the order side. It fails when the impact
// exceeds the order's slippage cap.
func (s *Simulator) slipped(o *simOrder, ref decimal.Decimal) (decimal.Decimal, bool) {
	bps := s.slippageBps(o.req.Symbol, o.req.Quantity)
	if bps > float64(o.req.MaxSlippageBps) {
		return decimal.Zero, false
	}
	adj := decimal.NewFromFloat(bps).Div(bpsScale)
	if o.req.Side == schema.OrderSideBuy {
		return ref.Mul(one.Add(adj)).Round(8), true
	}
	return ref.Mul(one.Sub(adj)).Round(8), true
}

// executeLocked schedules the order's fills in equal slices at one price.
func (s *Simulator) executeLocked(o *simOrder, price decimal.Decimal, at int64) {
	o.executed = true
	n := s.cfg.PartialFills
	slice := o.req.Quantity.Div(decimal.NewFromInt(int64(n))).Truncate(8)
	if !slice.IsPositive() {
		n, slice = 1, o.req.Quantity
	}
	left := o.req.Quantity
	for i := 0; i < n; i++ {
		qty := slice
		if i == n-1 {
			qty = left
		}
		left = left.Sub(qty)
		s.schedule(at, s.fill(o, qty, price))
	}
}

func (s *Simulator) fill(o *simOrder, qty, price decimal.Decimal) execution.Report {
	o.fills++
	fee := s.cfg.Commission.Pct.Mul(price).Mul(qty)
	if o.fills == 1 {
		fee = fee.Add(s.cfg.Commission.Fixed)
	}
	return execution.Report{
		Kind:            execution.ReportFill,
		IntentID:        o.req.IntentID,
		ExchangeOrderID: o.id,
		TradeID:         fmt.Sprintf("%s-%d", o.id, o.fills),
		Quantity:        qty,
		Price:           price,
		Fee:             fee,
	}
}

func (s *Simulator) ack(o *simOrder) execution.Report {
	return execution.Report{
		Kind:            execution.ReportAck,
		IntentID:        o.req.IntentID,
		ExchangeOrderID: o.id,
	}
}

func (s *Simulator) rejectLocked(o *simOrder, at int64, reason string) {
	o.executed = true
	s.schedule(at, execution.Report{
		Kind:            execution.ReportRejected,
		IntentID:        o.req.IntentID,
		ExchangeOrderID: o.id,
		Reason:          reason,
	})
}

func (s *Simulator) removeResting(o *simOrder) {
	for i, r := range s.resting {
		if r == o {
			s.resting = append(s.resting[:i], s.resting[i+1:]...)
			return
		}
	}
}

// schedule queues r at event time at, ordered by (at, seq). With chaos
// enabled the report may be dropped, delayed, held back or repeated.
func (s *Simulator) schedule(at int64, r execution.Report) {
	r.Timestamp = at
	item := scheduled{at: at, report: r}
	if s.chaos == nil {
		s.enqueue(item)
		return
	}
	for _, released := range s.chaos.Process(item) {
		s.enqueue(released)
	}
}

func (s *Simulator) enqueue(item scheduled) {
	s.seq++
	item.seq = s.seq
	idx := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].at > item.at })
	s.queue = append(s.queue, scheduled{})
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = item
}

// Flush queues the reports still held back by the chaos reorder window.
func (s *Simulator) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.chaos.Flush() {
		s.enqueue(item)
	}
}

// ChaosStats reports what chaos did to the report stream.
func (s *Simulator) ChaosStats() chaos.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chaos.Stats()
}

// Due removes and returns the reports scheduled at or before ts.
func (s *Simulator) Due(ts int64) []execution.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].at > ts })
	if n == 0 {
		return nil
	}
	out := make([]execution.Report, n)
	for i := 0; i < n; i++ {
		out[i] = s.queue[i].report
	}
	s.queue = append(s.queue[:0], s.queue[n:]...)
	return out
}

// Pending returns the number of reports not yet delivered.
func (s *Simulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Latency returns the configured ack and fill delay.
func (s *Simulator) Latency() time.Duration {
	return s.cfg.Latency
}
