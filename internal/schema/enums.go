package schema

import (
	"fmt"
	"strings"
)

// Direction is the recommendation carried by a signal.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionBuy
	DirectionSell
	DirectionHold
)

// OrderSide describes order direction.
type OrderSide uint8

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

// OrderType describes order type.
type OrderType uint8

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
)

// RiskDecision is the outcome recorded on an order intent.
type RiskDecision uint8

const (
	RiskDecisionUnknown RiskDecision = iota
	RiskDecisionApproved
	RiskDecisionRejected
	RiskDecisionReduced
)

// OrderStatus is the execution-side lifecycle state of an order.
type OrderStatus uint8

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusAcknowledged
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

var (
	directionNames    = []string{"unknown", "buy", "sell", "hold"}
	orderSideNames    = []string{"unknown", "buy", "sell"}
	orderTypeNames    = []string{"unknown", "market", "limit", "stop"}
	riskDecisionNames = []string{"unknown", "approved", "rejected", "reduced"}
	orderStatusNames  = []string{"unknown", "pending", "acknowledged", "partially_filled", "filled", "cancelled", "rejected"}
)

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("invalid(%d)", v)
}

func parseEnum(kind string, names []string, b []byte) (uint8, error) {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for i := 1; i < len(names); i++ {
		if names[i] == s {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("unknown %s: %q", kind, string(b))
}

func (d Direction) String() string { return enumName(directionNames, uint8(d)) }
func (d Direction) Valid() bool    { return d > DirectionUnknown && d <= DirectionHold }
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
func (d *Direction) UnmarshalText(b []byte) error {
	v, err := parseEnum("direction", directionNames, b)
	*d = Direction(v)
	return err
}

// Side maps a tradable direction to an order side.
func (d Direction) Side() OrderSide {
	switch d {
	case DirectionBuy:
		return OrderSideBuy
	case DirectionSell:
		return OrderSideSell
	default:
		return OrderSideUnknown
	}
}

func (s OrderSide) String() string { return enumName(orderSideNames, uint8(s)) }
func (s OrderSide) Valid() bool    { return s == OrderSideBuy || s == OrderSideSell }
func (s OrderSide) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
func (s *OrderSide) UnmarshalText(b []byte) error {
	v, err := parseEnum("order side", orderSideNames, b)
	*s = OrderSide(v)
	return err
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() int64 {
	switch s {
	case OrderSideBuy:
		return 1
	case OrderSideSell:
		return -1
	default:
		return 0
	}
}

func (t OrderType) String() string { return enumName(orderTypeNames, uint8(t)) }
func (t OrderType) Valid() bool    { return t > OrderTypeUnknown && t <= OrderTypeStop }
func (t OrderType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
func (t *OrderType) UnmarshalText(b []byte) error {
	v, err := parseEnum("order type", orderTypeNames, b)
	*t = OrderType(v)
	return err
}

func (d RiskDecision) String() string { return enumName(riskDecisionNames, uint8(d)) }
func (d RiskDecision) Valid() bool    { return d > RiskDecisionUnknown && d <= RiskDecisionReduced }
func (d RiskDecision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
func (d *RiskDecision) UnmarshalText(b []byte) error {
	v, err := parseEnum("risk decision", riskDecisionNames, b)
	*d = RiskDecision(v)
	return err
}

// Tradable reports whether the decision lets the intent reach execution.
func (d RiskDecision) Tradable() bool {
	return d == RiskDecisionApproved || d == RiskDecisionReduced
}

func (s OrderStatus) String() string { return enumName(orderStatusNames, uint8(s)) }
func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, err := parseEnum("order status", orderStatusNames, b)
	*s = OrderStatus(v)
	return err
}

// Terminal reports whether no further transitions are expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}
