package execution

import (
	"sort"

	"github.com/shopspring/decimal"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Anomalies recorded on an order.
const (
	AnomalyFillAfterCancel = "fill_after_cancel"
	AnomalyOverfill        = "overfill"
)

// Order is the execution-side view of one intent.
type Order struct {
	IntentID         uint64
	SignalID         uint64
	ExchangeOrderID  string
	Symbol           string
	Side             schema.OrderSide
	Type             schema.OrderType
	Price            decimal.Decimal
	Quantity         decimal.Decimal
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Status           schema.OrderStatus
	CancelRequested  bool
	Anomalies        []string

	cancelReason string
	cancelCause  uint64
	lastEventID  uint64
	lastTs       int64
	trades       map[string]struct{}
}

// Remaining is the quantity still to be filled.
func (o *Order) Remaining() decimal.Decimal {
	return decimal.Max(o.Quantity.Sub(o.FilledQuantity), decimal.Zero)
}

func (o *Order) clone() Order {
	c := *o
	c.Anomalies = append([]string(nil), o.Anomalies...)
	c.trades = nil
	return c
}

// fillMark is the part of an order a fill changes, kept so an unpublished
// fill can be undone.
type fillMark struct {
	filled    decimal.Decimal
	average   decimal.Decimal
	status    schema.OrderStatus
	anomalies int
}

func (o *Order) mark() fillMark {
	return fillMark{
		filled:    o.FilledQuantity,
		average:   o.AverageFillPrice,
		status:    o.Status,
		anomalies: len(o.Anomalies),
	}
}

// undo restores the order to m and forgets tradeID.
func (o *Order) undo(m fillMark, tradeID string) {
	o.FilledQuantity = m.filled
	o.AverageFillPrice = m.average
	o.Status = m.status
	o.Anomalies = o.Anomalies[:m.anomalies]
	if tradeID != "" {
		delete(o.trades, tradeID)
	}
}

// FillResult describes how a fill changed an order.
type FillResult struct {
	Applied decimal.Decimal
	Fee     decimal.Decimal
	Anomaly string
}

// Book tracks orders and enforces their state machine:
// pending -> acknowledged -> partially_filled -> filled, with cancelled and
// rejected as the other terminal states.
type Book struct {
	epsilon    decimal.Decimal
	orders     map[uint64]*Order
	byExchange map[string]uint64
	bySignal   map[uint64]uint64
}

// NewBook creates an empty book. Quantities within epsilon of the order
// size count as fully filled.
func NewBook(epsilon decimal.Decimal) *Book {
	if epsilon.IsNegative() {
		epsilon = decimal.Zero
	}
	return &Book{
		epsilon:    epsilon,
		orders:     make(map[uint64]*Order),
		byExchange: make(map[string]uint64),
		bySignal:   make(map[uint64]uint64),
	}
}

// Open creates a pending order for a tradable intent event.
func (b *Book) Open(e schema.Event, intent schema.OrderIntent) (*Order, error) {
	if e.ID == 0 {
		return nil, exception.ErrUnknownOrder
	}
	if _, ok := b.orders[e.ID]; ok {
		return nil, errors.Wrapf(exception.ErrDuplicateOrder, "intent %d", e.ID)
	}
	o := &Order{
		IntentID:    e.ID,
		SignalID:    intent.SignalID,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Type:        intent.OrderType,
		Price:       intent.Price,
		Quantity:    intent.Quantity,
		Status:      schema.OrderStatusPending,
		lastEventID: e.ID,
		lastTs:      e.Timestamp,
		trades:      make(map[string]struct{}),
	}
	b.orders[o.IntentID] = o
	b.bySignal[o.SignalID] = o.IntentID
	return o, nil
}

// Lookup finds an order by intent id, then by exchange order id.
func (b *Book) Lookup(intentID uint64, exchangeOrderID string) (*Order, bool) {
	if o, ok := b.orders[intentID]; ok {
		return o, true
	}
	if id, ok := b.byExchange[exchangeOrderID]; ok && exchangeOrderID != "" {
		return b.orders[id], true
	}
	return nil, false
}

// BySignal finds the order created for a signal.
func (b *Book) BySignal(signalID uint64) (*Order, bool) {
	id, ok := b.bySignal[signalID]
	if !ok {
		return nil, false
	}
	return b.orders[id], true
}

// ApplyAck records the exchange order id and moves pending orders to
// acknowledged. A second ack for the same order is a duplicate.
func (b *Book) ApplyAck(o *Order, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return errors.Wrap(exception.ErrInvalidTransition, "ack without exchange order id")
	}
	if o.ExchangeOrderID != "" {
		return errors.Wrapf(exception.ErrDuplicateEvent, "ack %s for intent %d", exchangeOrderID, o.IntentID)
	}
	switch o.Status {
	case schema.OrderStatusRejected:
		return errors.Wrapf(exception.ErrInvalidTransition, "ack for rejected intent %d", o.IntentID)
	case schema.OrderStatusPending:
		o.Status = schema.OrderStatusAcknowledged
	}
	o.ExchangeOrderID = exchangeOrderID
	b.byExchange[exchangeOrderID] = o.IntentID
	return nil
}

// ApplyFill accumulates a fill. Fills beyond the order size are clamped;
// fills after a cancel are applied and flagged since the exchange is
// authoritative.
func (b *Book) ApplyFill(o *Order, tradeID string, qty, price, fee decimal.Decimal) (FillResult, error) {
	if !qty.IsPositive() || !price.IsPositive() {
		return FillResult{}, errors.Wrapf(exception.ErrInvalidFill, "qty %s price %s", qty, price)
	}
	if tradeID != "" {
		if _, seen := o.trades[tradeID]; seen {
			return FillResult{}, errors.Wrapf(exception.ErrDuplicateEvent, "trade %s for intent %d", tradeID, o.IntentID)
		}
	}
	if o.Status == schema.OrderStatusRejected {
		return FillResult{}, errors.Wrapf(exception.ErrInvalidTransition, "fill for rejected intent %d", o.IntentID)
	}

	var res FillResult
	res.Applied = decimal.Min(qty, o.Remaining())
	if res.Applied.LessThan(qty) {
		res.Anomaly = AnomalyOverfill
		o.Anomalies = append(o.Anomalies, AnomalyOverfill)
	}
	if !res.Applied.IsPositive() {
		return res, errors.Wrapf(exception.ErrInvalidFill, "intent %d already filled", o.IntentID)
	}
	if tradeID != "" {
		o.trades[tradeID] = struct{}{}
	}
	res.Fee = fee
	if res.Applied.LessThan(qty) {
		res.Fee = fee.Mul(res.Applied).Div(qty)
	}

	total := o.FilledQuantity.Add(res.Applied)
	o.AverageFillPrice = o.AverageFillPrice.Mul(o.FilledQuantity).Add(price.Mul(res.Applied)).Div(total)
	o.FilledQuantity = total

	if o.Status == schema.OrderStatusCancelled {
		res.Anomaly = AnomalyFillAfterCancel
		o.Anomalies = append(o.Anomalies, AnomalyFillAfterCancel)
		return res, nil
	}
	if o.Quantity.Sub(o.FilledQuantity).Abs().LessThanOrEqual(b.epsilon) {
		o.Status = schema.OrderStatusFilled
	} else {
		o.Status = schema.OrderStatusPartiallyFilled
	}
	return res, nil
}

// ApplyCancel moves a live order to cancelled.
func (b *Book) ApplyCancel(o *Order) error {
	switch o.Status {
	case schema.OrderStatusCancelled:
		return errors.Wrapf(exception.ErrDuplicateEvent, "cancel for intent %d", o.IntentID)
	case schema.OrderStatusFilled, schema.OrderStatusRejected:
		return errors.Wrapf(exception.ErrInvalidTransition, "cancel %s intent %d", o.Status, o.IntentID)
	}
	o.Status = schema.OrderStatusCancelled
	return nil
}

// ApplyReject moves an unfilled order to rejected.
func (b *Book) ApplyReject(o *Order) error {
	switch o.Status {
	case schema.OrderStatusRejected:
		return errors.Wrapf(exception.ErrDuplicateEvent, "reject for intent %d", o.IntentID)
	case schema.OrderStatusPending, schema.OrderStatusAcknowledged:
		o.Status = schema.OrderStatusRejected
		return nil
	default:
		return errors.Wrapf(exception.ErrInvalidTransition, "reject %s intent %d", o.Status, o.IntentID)
	}
}

// OpenOrders returns copies of every non-terminal order ordered by intent id.
func (b *Book) OpenOrders() []Order {
	out := make([]Order, 0)
	for _, o := range b.orders {
		if !o.Status.Terminal() {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntentID < out[j].IntentID })
	return out
}

// Len returns the number of tracked orders.
func (b *Book) Len() int {
	return len(b.orders)
}
