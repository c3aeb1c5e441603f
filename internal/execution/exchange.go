package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

// Exchange is the order-placement collaborator. Errors wrapping
// exception.ErrExecutionTerminal are not retried; anything else is.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Placement, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
}

// OrderRequest is what the manager asks the exchange to work.
type OrderRequest struct {
	ClientOrderID  string           `json:"clientOrderId"`
	IntentID       uint64           `json:"intentId"`
	Symbol         string           `json:"symbol"`
	Side           schema.OrderSide `json:"side"`
	Type           schema.OrderType `json:"type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          decimal.Decimal  `json:"price"`
	MaxSlippageBps int64            `json:"maxSlippageBps"`
	// Timestamp is the event time of the intent.
	Timestamp int64 `json:"timestamp"`
}

// ClientOrderID derives the idempotency key sent with a placement.
func ClientOrderID(intentID uint64) string {
	return fmt.Sprintf("intent-%d", intentID)
}

// Placement is the synchronous answer to PlaceOrder. Exchanges that
// acknowledge asynchronously leave Acked unset and send a ReportAck later.
type Placement struct {
	ExchangeOrderID string
	Acked           bool
}

// ReportKind classifies an asynchronous exchange report.
type ReportKind uint8

const (
	ReportUnknown ReportKind = iota
	ReportAck
	ReportFill
	ReportCancelled
	ReportRejected
)

func (k ReportKind) String() string {
	switch k {
	case ReportAck:
		return "ack"
	case ReportFill:
		return "fill"
	case ReportCancelled:
		return "cancelled"
	case ReportRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Report is an asynchronous update about one order. The order is located by
// IntentID first, then by ExchangeOrderID.
type Report struct {
	Kind            ReportKind
	IntentID        uint64
	ExchangeOrderID string
	TradeID         string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	Reason          string
	// Timestamp is the event time of the report; zero reuses the order's
	// last event time.
	Timestamp int64
}
