package portfolio

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

// Totals is an independently derived P&L figure.
type Totals struct {
	RealizedPlusUnrealized decimal.Decimal
	Fees                   decimal.Decimal
	Positions              map[string]decimal.Decimal
}

// Recompute derives total P&L from the full fill history without
// per-position cost tracking: sells minus buys plus what is still held,
// valued at marks. Symbols missing from marks are valued at their last
// fill price.
func Recompute(fills []schema.Event, marks map[string]decimal.Decimal) Totals {
	flow := decimal.Zero
	fees := decimal.Zero
	held := make(map[string]decimal.Decimal)
	lastPrice := make(map[string]decimal.Decimal)

	for _, e := range fills {
		f, ok := e.Payload.(schema.Fill)
		if !ok {
			continue
		}
		notional := f.Price.Mul(f.Quantity)
		if f.Side == schema.OrderSideBuy {
			flow = flow.Sub(notional)
			held[e.Symbol] = held[e.Symbol].Add(f.Quantity)
		} else {
			flow = flow.Add(notional)
			held[e.Symbol] = held[e.Symbol].Sub(f.Quantity)
		}
		fees = fees.Add(f.Fee)
		lastPrice[e.Symbol] = f.Price
	}

	total := flow
	for symbol, qty := range held {
		mark, ok := marks[symbol]
		if !ok || mark.IsZero() {
			mark = lastPrice[symbol]
		}
		total = total.Add(qty.Mul(mark))
	}
	return Totals{RealizedPlusUnrealized: total, Fees: fees, Positions: held}
}

// MarksOf extracts per-symbol marks from a snapshot.
func MarksOf(s schema.PortfolioSnapshot) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Positions))
	for _, p := range s.Positions {
		out[p.Symbol] = p.MarkPrice
	}
	return out
}
