package schema

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal() Signal {
	return Signal{
		Symbol:     "BTC",
		Direction:  DirectionBuy,
		Confidence: 0.8,
		Source:     "m1",
		ExpiresAt:  100,
	}
}

func TestNewEventTakesTypeFromPayload(t *testing.T) {
	e := NewEvent(signal(), "BTC", 10, 0)
	assert.Equal(t, EventSignal, e.Type)
	require.NoError(t, e.Validate())

	e.ID = 7
	d := e.Derive(Reject{SignalID: 7, Reason: "low_confidence"})
	assert.Equal(t, EventReject, d.Type)
	assert.Equal(t, uint64(7), d.CausationID)
	assert.Equal(t, e.Timestamp, d.Timestamp)
	assert.Equal(t, "BTC", d.Symbol)
}

func TestEventValidate(t *testing.T) {
	fill := Fill{IntentID: 1, Side: OrderSideBuy, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(10)}

	cases := map[string]Event{
		"unknown type":     {Type: EventUnknown, Timestamp: 1, Payload: signal()},
		"nil payload":      {Type: EventSignal, Timestamp: 1},
		"mismatch":         {Type: EventMarketTick, Timestamp: 1, Payload: signal()},
		"zero timestamp":   NewEvent(signal(), "BTC", 0, 0),
		"derived no cause": NewEvent(fill, "BTC", 1, 0),
		"bad signal":       NewEvent(Signal{Symbol: "BTC", Direction: DirectionBuy, Confidence: 1.5, Source: "m", ExpiresAt: 1}, "BTC", 1, 0),
		"signal no source": NewEvent(Signal{Symbol: "BTC", Direction: DirectionBuy, Confidence: 0.5, ExpiresAt: 1}, "BTC", 1, 0),
		"signal no expiry": NewEvent(Signal{Symbol: "BTC", Direction: DirectionSell, Confidence: 0.5, Source: "m"}, "BTC", 1, 0),
		"tick without px":  NewEvent(MarketTick{Symbol: "BTC"}, "BTC", 1, 0),
		"empty cancel req": NewEvent(CancelRequest{Reason: "user"}, "BTC", 1, 0),
		"rejected, no why": NewEvent(OrderIntent{SignalID: 1, Symbol: "BTC", RiskDecision: RiskDecisionRejected}, "BTC", 1, 1),
		"limit without px": NewEvent(OrderIntent{SignalID: 1, Symbol: "BTC", Side: OrderSideBuy, OrderType: OrderTypeLimit, Quantity: decimal.NewFromInt(1), RiskDecision: RiskDecisionApproved}, "BTC", 1, 1),
		"fill zero price":  NewEvent(Fill{IntentID: 1, Side: OrderSideBuy, Quantity: decimal.NewFromInt(1)}, "BTC", 1, 1),
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, e.Validate())
		})
	}

	assert.NoError(t, NewEvent(fill, "BTC", 1, 1).Validate())

	// maker rebates arrive as negative fees
	rebate := fill
	rebate.Fee = decimal.RequireFromString("-0.01")
	assert.NoError(t, NewEvent(rebate, "BTC", 1, 1).Validate())
}

func TestSourceTypes(t *testing.T) {
	var sources []EventType
	for _, typ := range AllEventTypes() {
		if typ.IsSource() {
			sources = append(sources, typ)
		}
	}
	assert.Equal(t, []EventType{EventMarketTick, EventSignal, EventCancelRequest, EventDayRollover, EventBackpressure}, sources)
	assert.False(t, EventUnknown.Valid())
	assert.Len(t, AllEventTypes(), EventTypeCount-1)
}

func TestEnumText(t *testing.T) {
	var d Direction
	require.NoError(t, d.UnmarshalText([]byte(" Sell ")))
	assert.Equal(t, DirectionSell, d)
	assert.Error(t, d.UnmarshalText([]byte("sideways")))
	assert.Equal(t, OrderSideSell, DirectionSell.Side())
	assert.Equal(t, OrderSideUnknown, DirectionHold.Side())

	var typ EventType
	require.NoError(t, typ.UnmarshalText([]byte("PortfolioSnapshot")))
	assert.Equal(t, EventPortfolioSnapshot, typ)
	assert.Error(t, typ.UnmarshalText([]byte("Unknown")))

	b, err := json.Marshal(OrderIntent{Side: OrderSideBuy, OrderType: OrderTypeStop, RiskDecision: RiskDecisionReduced})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"side":"buy"`)
	assert.Contains(t, string(b), `"orderType":"stop"`)
	assert.Contains(t, string(b), `"riskDecision":"reduced"`)
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusAcknowledged, OrderStatusPartiallyFilled} {
		assert.False(t, s.Terminal(), s.String())
	}
	assert.True(t, RiskDecisionReduced.Tradable())
	assert.False(t, RiskDecisionRejected.Tradable())
}
