package schema

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Payload is the closed set of event bodies. Each variant is bound to exactly
// one EventType; adding a variant requires a new type and handler coverage.
type Payload interface {
	EventType() EventType
	Validate() error
	payload()
}

// MarketTick is a trade or quote observed on a venue.
type MarketTick struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	AskPrice decimal.Decimal `json:"askPrice"`
}

// Signal is a directional recommendation produced outside the core.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	ExpiresAt  int64     `json:"expiresAt"`
	// ReferencePrice is an optional price hint used to price limit and stop orders.
	ReferencePrice decimal.Decimal `json:"referencePrice"`
}

// OrderIntent is the risk outcome for exactly one signal.
type OrderIntent struct {
	SignalID       uint64          `json:"signalId"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	OrderType      OrderType       `json:"orderType"`
	Price          decimal.Decimal `json:"price"`
	RiskDecision   RiskDecision    `json:"riskDecision"`
	MaxSlippageBps int64           `json:"maxSlippageBps"`
	Reason         string          `json:"reason,omitempty"`
	Policy         string          `json:"policy,omitempty"`
}

// OrderAck records that the exchange accepted an order.
type OrderAck struct {
	IntentID        uint64          `json:"intentId"`
	ExchangeOrderID string          `json:"exchangeOrderId"`
	Quantity        decimal.Decimal `json:"quantity"`
}

// Fill is one execution against an order, with the order's cumulative view
// after applying it. Maker rebates carry a negative Fee.
type Fill struct {
	IntentID         uint64          `json:"intentId"`
	ExchangeOrderID  string          `json:"exchangeOrderId"`
	TradeID          string          `json:"tradeId"`
	Side             OrderSide       `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Fee              decimal.Decimal `json:"fee"`
	FilledQuantity   decimal.Decimal `json:"filledQuantity"`
	AverageFillPrice decimal.Decimal `json:"averageFillPrice"`
	OrderStatus      OrderStatus     `json:"orderStatus"`
}

// Reject is the terminal event of a signal or order that did not trade.
type Reject struct {
	IntentID uint64 `json:"intentId"`
	SignalID uint64 `json:"signalId"`
	Reason   string `json:"reason"`
}

// Cancel confirms an order was cancelled.
type Cancel struct {
	IntentID        uint64          `json:"intentId"`
	ExchangeOrderID string          `json:"exchangeOrderId"`
	FilledQuantity  decimal.Decimal `json:"filledQuantity"`
	Reason          string          `json:"reason"`
}

// CancelRequest asks the execution side to cancel an order. Either the
// intent or the originating signal may be referenced.
type CancelRequest struct {
	IntentID uint64 `json:"intentId"`
	SignalID uint64 `json:"signalId"`
	Reason   string `json:"reason"`
}

// DayRollover starts a new trading day and resets the daily loss breaker.
type DayRollover struct {
	TradingDay string `json:"tradingDay"`
}

// Backpressure reports a market tick dropped from a subscriber queue.
type Backpressure struct {
	Subscriber  string    `json:"subscriber"`
	DroppedID   uint64    `json:"droppedId"`
	DroppedType EventType `json:"droppedType"`
}

// PositionView is the read-only image of a position inside a snapshot.
type PositionView struct {
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	CostBasis         decimal.Decimal `json:"costBasis"`
	AverageEntryPrice decimal.Decimal `json:"averageEntryPrice"`
	MarkPrice         decimal.Decimal `json:"markPrice"`
	RealizedPnL       decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealizedPnl"`
}

// PortfolioSnapshot aggregates all positions at a point in event time.
type PortfolioSnapshot struct {
	Positions     []PositionView  `json:"positions"`
	Cash          decimal.Decimal `json:"cash"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	FeesPaid      decimal.Decimal `json:"feesPaid"`
	Equity        decimal.Decimal `json:"equity"`
	FillCount     uint64          `json:"fillCount"`
	Final         bool            `json:"final"`
}

// TotalPnL is realized plus unrealized, before fees.
func (s PortfolioSnapshot) TotalPnL() decimal.Decimal {
	return s.RealizedPnL.Add(s.UnrealizedPnL)
}

func (MarketTick) EventType() EventType        { return EventMarketTick }
func (Signal) EventType() EventType            { return EventSignal }
func (OrderIntent) EventType() EventType       { return EventOrderIntent }
func (OrderAck) EventType() EventType          { return EventOrderAck }
func (Fill) EventType() EventType              { return EventFill }
func (Reject) EventType() EventType            { return EventReject }
func (Cancel) EventType() EventType            { return EventCancel }
func (PortfolioSnapshot) EventType() EventType { return EventPortfolioSnapshot }
func (CancelRequest) EventType() EventType     { return EventCancelRequest }
func (DayRollover) EventType() EventType       { return EventDayRollover }
func (Backpressure) EventType() EventType      { return EventBackpressure }

func (MarketTick) payload()        {}
func (Signal) payload()            {}
func (OrderIntent) payload()       {}
func (OrderAck) payload()          {}
func (Fill) payload()              {}
func (Reject) payload()            {}
func (Cancel) payload()            {}
func (PortfolioSnapshot) payload() {}
func (CancelRequest) payload()     {}
func (DayRollover) payload()       {}
func (Backpressure) payload()      {}

func (p MarketTick) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("tick: symbol is empty")
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("tick: price must be > 0")
	}
	if p.Size.IsNegative() {
		return fmt.Errorf("tick: size must be >= 0")
	}
	return nil
}

func (p Signal) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("signal: symbol is empty")
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("signal: direction is unknown")
	}
	if p.Confidence < 0 || p.Confidence > 1 || p.Confidence != p.Confidence {
		return fmt.Errorf("signal: confidence %v outside [0,1]", p.Confidence)
	}
	if p.Source == "" {
		return fmt.Errorf("signal: source is empty")
	}
	if p.ExpiresAt <= 0 {
		return fmt.Errorf("signal: expiresAt is missing")
	}
	if p.ReferencePrice.IsNegative() {
		return fmt.Errorf("signal: referencePrice must be >= 0")
	}
	return nil
}

func (p OrderIntent) Validate() error {
	if p.SignalID == 0 {
		return fmt.Errorf("intent: signal id is empty")
	}
	if p.Symbol == "" {
		return fmt.Errorf("intent: symbol is empty")
	}
	if !p.RiskDecision.Valid() {
		return fmt.Errorf("intent: risk decision is unknown")
	}
	if p.RiskDecision == RiskDecisionRejected {
		if p.Reason == "" {
			return fmt.Errorf("intent: rejected without reason")
		}
		return nil
	}
	if !p.Side.Valid() {
		return fmt.Errorf("intent: side is unknown")
	}
	if !p.OrderType.Valid() {
		return fmt.Errorf("intent: order type is unknown")
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("intent: quantity must be > 0")
	}
	if p.OrderType != OrderTypeMarket && !p.Price.IsPositive() {
		return fmt.Errorf("intent: %s order requires price", p.OrderType)
	}
	if p.MaxSlippageBps < 0 {
		return fmt.Errorf("intent: maxSlippageBps must be >= 0")
	}
	return nil
}

func (p OrderAck) Validate() error {
	if p.IntentID == 0 {
		return fmt.Errorf("ack: intent id is empty")
	}
	if p.ExchangeOrderID == "" {
		return fmt.Errorf("ack: exchange order id is empty")
	}
	return nil
}

func (p Fill) Validate() error {
	if p.IntentID == 0 {
		return fmt.Errorf("fill: intent id is empty")
	}
	if !p.Side.Valid() {
		return fmt.Errorf("fill: side is unknown")
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("fill: quantity must be > 0")
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("fill: price must be > 0")
	}
	return nil
}

func (p Reject) Validate() error {
	if p.IntentID == 0 && p.SignalID == 0 {
		return fmt.Errorf("reject: neither intent nor signal id set")
	}
	if p.Reason == "" {
		return fmt.Errorf("reject: reason is empty")
	}
	return nil
}

func (p Cancel) Validate() error {
	if p.IntentID == 0 {
		return fmt.Errorf("cancel: intent id is empty")
	}
	return nil
}

func (p CancelRequest) Validate() error {
	if p.IntentID == 0 && p.SignalID == 0 {
		return fmt.Errorf("cancel request: neither intent nor signal id set")
	}
	return nil
}

func (DayRollover) Validate() error { return nil }

func (p Backpressure) Validate() error {
	if p.DroppedID == 0 {
		return fmt.Errorf("backpressure: dropped id is empty")
	}
	return nil
}

func (PortfolioSnapshot) Validate() error { return nil }
