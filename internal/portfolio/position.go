package portfolio

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

// Position is one symbol's holding under weighted-average cost. CostBasis
// is the signed amount paid for the open quantity (negative for shorts) and
// is what P&L is measured against, so realized plus unrealized always equals
// cash flow plus marked holdings. AverageEntryPrice is CostBasis per unit,
// updated only when the position grows.
type Position struct {
	Symbol            string
	Quantity          decimal.Decimal
	CostBasis         decimal.Decimal
	AverageEntryPrice decimal.Decimal
	RealizedPnL       decimal.Decimal
	MarkPrice         decimal.Decimal
}

// UnrealizedPnL values the open quantity at the mark. The signed quantity
// and cost make the same formula work for shorts.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.Quantity.IsZero() || p.MarkPrice.IsZero() {
		return decimal.Zero
	}
	return p.MarkPrice.Mul(p.Quantity).Sub(p.CostBasis)
}

// MarketValue is the signed value of the open quantity at the mark.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.MarkPrice)
}

// View returns the read-only image used in snapshots.
func (p Position) View() schema.PositionView {
	return schema.PositionView{
		Symbol:            p.Symbol,
		Quantity:          p.Quantity,
		CostBasis:         p.CostBasis,
		AverageEntryPrice: p.AverageEntryPrice,
		MarkPrice:         p.MarkPrice,
		RealizedPnL:       p.RealizedPnL,
		UnrealizedPnL:     p.UnrealizedPnL(),
	}
}

// apply books one fill and returns the P&L it realized. Increases add to
// the cost and move the average; reductions release cost in proportion to
// the closed quantity and leave the average unchanged; a fill through zero
// closes the old side and opens the rest at the fill price.
func (p *Position) apply(side schema.OrderSide, qty, price decimal.Decimal) decimal.Decimal {
	signed := qty
	if side == schema.OrderSideSell {
		signed = qty.Neg()
	}
	p.MarkPrice = price

	if p.Quantity.IsZero() || p.Quantity.Sign() == signed.Sign() {
		p.Quantity = p.Quantity.Add(signed)
		p.CostBasis = p.CostBasis.Add(price.Mul(signed))
		p.AverageEntryPrice = p.CostBasis.Div(p.Quantity)
		return decimal.Zero
	}

	open := p.Quantity.Abs()
	closed := decimal.Min(open, qty)
	released := p.CostBasis
	if closed.LessThan(open) {
		released = p.CostBasis.Mul(closed).Div(open)
	}
	// the closed part of the position, valued at the fill price
	closedValue := price.Mul(closed)
	if p.Quantity.IsNegative() {
		closedValue = closedValue.Neg()
	}
	realized := closedValue.Sub(released)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.CostBasis = p.CostBasis.Sub(released)

	rest := qty.Sub(closed)
	switch {
	case rest.IsPositive():
		p.Quantity = rest.Mul(decimal.NewFromInt(int64(signed.Sign())))
		p.CostBasis = price.Mul(p.Quantity)
		p.AverageEntryPrice = price
	case closed.Equal(open):
		p.Quantity = decimal.Zero
		p.CostBasis = decimal.Zero
		p.AverageEntryPrice = decimal.Zero
	default:
		p.Quantity = p.Quantity.Add(signed)
	}
	return realized
}
