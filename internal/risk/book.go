package risk

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

type reservation struct {
	symbol    string
	side      schema.OrderSide
	remaining decimal.Decimal
}

type symbolExposure struct {
	position    decimal.Decimal
	pendingBuy  decimal.Decimal
	pendingSell decimal.Decimal
}

func (s *symbolExposure) open() bool {
	return !s.position.IsZero() || s.pendingBuy.IsPositive() || s.pendingSell.IsPositive()
}

// exposureBook is the risk state owned by the manager. Callers hold the
// manager lock.
type exposureBook struct {
	symbols      map[string]*symbolExposure
	reservations map[uint64]*reservation
	// bySignal holds reservations made before the intent id is known.
	bySignal map[uint64]*reservation

	baseline   decimal.Decimal
	netPnL     decimal.Decimal
	breaker    bool
	lastPrice  map[string]decimal.Decimal
	tradingDay string
}

func newExposureBook() *exposureBook {
	return &exposureBook{
		symbols:      make(map[string]*symbolExposure),
		reservations: make(map[uint64]*reservation),
		bySignal:     make(map[uint64]*reservation),
		lastPrice:    make(map[string]decimal.Decimal),
	}
}

func (b *exposureBook) symbol(sym string) *symbolExposure {
	s, ok := b.symbols[sym]
	if !ok {
		s = &symbolExposure{}
		b.symbols[sym] = s
	}
	return s
}

// headroom returns how much more can be traded on side without pushing
// the absolute position past limit. Pending orders on the same side count
// as if filled.
func (b *exposureBook) headroom(sym string, side schema.OrderSide, limit decimal.Decimal) decimal.Decimal {
	s := b.symbol(sym)
	var projected decimal.Decimal
	switch side {
	case schema.OrderSideBuy:
		projected = s.position.Add(s.pendingBuy)
	case schema.OrderSideSell:
		projected = s.position.Sub(s.pendingSell).Neg()
	}
	return limit.Sub(projected)
}

// openCount counts symbols with a position or a pending order.
func (b *exposureBook) openCount() int {
	n := 0
	for _, s := range b.symbols {
		if s.open() {
			n++
		}
	}
	return n
}

func (b *exposureBook) isOpen(sym string) bool {
	s, ok := b.symbols[sym]
	return ok && s.open()
}

func (b *exposureBook) reserve(signalID uint64, sym string, side schema.OrderSide, qty decimal.Decimal) {
	s := b.symbol(sym)
	if side == schema.OrderSideBuy {
		s.pendingBuy = s.pendingBuy.Add(qty)
	} else {
		s.pendingSell = s.pendingSell.Add(qty)
	}
	b.bySignal[signalID] = &reservation{symbol: sym, side: side, remaining: qty}
}

// bind moves a reservation from its signal id to the intent id.
func (b *exposureBook) bind(signalID, intentID uint64) {
	r, ok := b.bySignal[signalID]
	if !ok {
		return
	}
	delete(b.bySignal, signalID)
	b.reservations[intentID] = r
}

// unreserve drops a reservation that never reached the bus.
func (b *exposureBook) unreserve(signalID uint64) {
	r, ok := b.bySignal[signalID]
	if !ok {
		return
	}
	delete(b.bySignal, signalID)
	b.releaseQty(r, r.remaining)
}

func (b *exposureBook) releaseQty(r *reservation, qty decimal.Decimal) {
	s := b.symbol(r.symbol)
	if r.side == schema.OrderSideBuy {
		s.pendingBuy = decimal.Max(s.pendingBuy.Sub(qty), decimal.Zero)
	} else {
		s.pendingSell = decimal.Max(s.pendingSell.Sub(qty), decimal.Zero)
	}
	r.remaining = r.remaining.Sub(qty)
}

// fill moves filled quantity from pending into the position.
func (b *exposureBook) fill(intentID uint64, sym string, side schema.OrderSide, qty decimal.Decimal, done bool) {
	s := b.symbol(sym)
	if side == schema.OrderSideBuy {
		s.position = s.position.Add(qty)
	} else {
		s.position = s.position.Sub(qty)
	}
	r, ok := b.reservations[intentID]
	if !ok {
		return
	}
	b.releaseQty(r, decimal.Min(qty, decimal.Max(r.remaining, decimal.Zero)))
	if done || !r.remaining.IsPositive() {
		b.release(intentID)
	}
}

// release frees whatever remains reserved for an intent.
func (b *exposureBook) release(intentID uint64) {
	r, ok := b.reservations[intentID]
	if !ok {
		return
	}
	delete(b.reservations, intentID)
	if r.remaining.IsPositive() {
		b.releaseQty(r, r.remaining)
	}
}

// dailyLoss is how far net P&L has fallen since the day started.
func (b *exposureBook) dailyLoss() decimal.Decimal {
	return b.baseline.Sub(b.netPnL)
}

func (b *exposureBook) rollover(day string) {
	b.baseline = b.netPnL
	b.breaker = false
	b.tradingDay = day
}
