package portfolio

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/internal/errors"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Name is the subscriber name of the tracker.
const Name = "portfolio"

// Config controls accounting and snapshot cadence.
type Config struct {
	StartingCash decimal.Decimal `mapstructure:"starting_cash"`
	// SnapshotEvery emits a snapshot after every N fills. Zero or one means
	// every fill.
	SnapshotEvery int `mapstructure:"snapshot_every"`
}

// Tracker derives positions from Fill events and marks them with ticks.
type Tracker struct {
	cfg Config
	bus bus.Bus

	mu        sync.Mutex
	positions map[string]*Position
	cash      decimal.Decimal
	fees      decimal.Decimal
	fillCount uint64
	lastEvent schema.Event
}

// NewTracker creates a tracker holding only the starting cash.
func NewTracker(cfg Config) *Tracker {
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = 1
	}
	return &Tracker{
		cfg:       cfg,
		positions: make(map[string]*Position),
		cash:      cfg.StartingCash,
	}
}

// Attach subscribes to fills and ticks on b.
func (t *Tracker) Attach(b bus.Bus) {
	t.bus = b
	bus.On(b, Name, t.onFill)
	bus.On(b, Name, t.onTick)
}

// Apply books a fill event without publishing anything.
func (t *Tracker) Apply(e schema.Event, f schema.Fill) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(e, f)
}

func (t *Tracker) applyLocked(e schema.Event, f schema.Fill) {
	p := t.position(e.Symbol)
	p.apply(f.Side, f.Quantity, f.Price)

	notional := f.Price.Mul(f.Quantity)
	if f.Side == schema.OrderSideBuy {
		t.cash = t.cash.Sub(notional)
	} else {
		t.cash = t.cash.Add(notional)
	}
	t.cash = t.cash.Sub(f.Fee)
	t.fees = t.fees.Add(f.Fee)
	t.fillCount++
	t.lastEvent = e
}

func (t *Tracker) position(symbol string) *Position {
	p, ok := t.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		t.positions[symbol] = p
	}
	return p
}

func (t *Tracker) onFill(ctx context.Context, e schema.Event, f schema.Fill) error {
	t.mu.Lock()
	t.applyLocked(e, f)
	due := t.fillCount%uint64(t.cfg.SnapshotEvery) == 0
	snap := t.snapshotLocked(false)
	t.mu.Unlock()

	if !due {
		return nil
	}
	_, err := t.bus.Publish(ctx, e.Derive(snap))
	return err
}

func (t *Tracker) onTick(_ context.Context, e schema.Event, tick schema.MarketTick) error {
	t.mark(e, tick)
	return nil
}

// EmitFinal publishes a final snapshot caused by cause. Without a cause
// nothing can anchor the event, so the snapshot is only returned.
func (t *Tracker) EmitFinal(ctx context.Context, cause schema.Event) (schema.PortfolioSnapshot, error) {
	t.mu.Lock()
	snap := t.snapshotLocked(true)
	t.mu.Unlock()
	if cause.ID == 0 {
		return snap, nil
	}
	if t.bus == nil {
		return snap, errors.Wrap(exception.ErrNilInstance, "emit final snapshot: tracker not attached")
	}
	_, err := t.bus.Publish(ctx, cause.Derive(snap))
	return snap, err
}

// Snapshot returns the current aggregate with positions sorted by symbol.
func (t *Tracker) Snapshot() schema.PortfolioSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(false)
}

func (t *Tracker) snapshotLocked(final bool) schema.PortfolioSnapshot {
	symbols := make([]string, 0, len(t.positions))
	for s := range t.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	snap := schema.PortfolioSnapshot{
		Positions: make([]schema.PositionView, 0, len(symbols)),
		Cash:      t.cash,
		FeesPaid:  t.fees,
		Equity:    t.cash,
		FillCount: t.fillCount,
		Final:     final,
	}
	for _, s := range symbols {
		p := t.positions[s]
		view := p.View()
		snap.Positions = append(snap.Positions, view)
		snap.RealizedPnL = snap.RealizedPnL.Add(view.RealizedPnL)
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(view.UnrealizedPnL)
		snap.Equity = snap.Equity.Add(p.MarketValue())
	}
	return snap
}

// Position returns a copy of one symbol's position.
func (t *Tracker) Position(symbol string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// LastEvent returns the last fill or tick the tracker consumed.
func (t *Tracker) LastEvent() schema.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEvent
}

// Restore replaces the tracker state with a persisted snapshot.
func (t *Tracker) Restore(snap schema.PortfolioSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = make(map[string]*Position, len(snap.Positions))
	for _, v := range snap.Positions {
		cost := v.CostBasis
		if cost.IsZero() {
			cost = v.AverageEntryPrice.Mul(v.Quantity)
		}
		t.positions[v.Symbol] = &Position{
			Symbol:            v.Symbol,
			Quantity:          v.Quantity,
			CostBasis:         cost,
			AverageEntryPrice: v.AverageEntryPrice,
			RealizedPnL:       v.RealizedPnL,
			MarkPrice:         v.MarkPrice,
		}
	}
	t.cash = snap.Cash
	t.fees = snap.FeesPaid
	t.fillCount = snap.FillCount
}

func (t *Tracker) mark(e schema.Event, tick schema.MarketTick) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[tick.Symbol]; ok {
		p.MarkPrice = tick.Price
	}
	t.lastEvent = e
}
