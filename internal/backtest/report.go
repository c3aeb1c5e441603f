package backtest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"tradecore/internal/chaos"
	"tradecore/internal/codec"
	"tradecore/internal/schema"
)

// OpenOrder is an order still working when the log ran out.
type OpenOrder struct {
	IntentID        uint64             `json:"intentId"`
	SignalID        uint64             `json:"signalId"`
	Symbol          string             `json:"symbol"`
	Side            schema.OrderSide   `json:"side"`
	Type            schema.OrderType   `json:"type"`
	Quantity        decimal.Decimal    `json:"quantity"`
	FilledQuantity  decimal.Decimal    `json:"filledQuantity"`
	Status          schema.OrderStatus `json:"status"`
	ExchangeOrderID string             `json:"exchangeOrderId,omitempty"`
}

// Report summarizes one replay. RunID is unique per run and is not part of
// the event stream, so it does not affect Digest.
type Report struct {
	RunID              string                   `json:"runId"`
	SourceEvents       int                      `json:"sourceEvents"`
	MalformedEvents    int                      `json:"malformedEvents"`
	Events             int                      `json:"events"`
	EventCounts        map[string]uint64        `json:"eventCounts"`
	Rejects            map[string]uint64        `json:"rejects"`
	Faults             map[string]uint64        `json:"faults"`
	OpenOrders         []OpenOrder              `json:"openOrders"`
	UndeliveredReports int                      `json:"undeliveredReports"`
	Chaos              chaos.Stats              `json:"chaos"`
	Final              schema.PortfolioSnapshot `json:"final"`
	Digest             string                   `json:"digest"`
}

func (e *Engine) report(runID string, final schema.PortfolioSnapshot) (*Report, error) {
	events := e.journal.Events()
	digest, err := Digest(events)
	if err != nil {
		return nil, err
	}
	snap := e.metrics.Snapshot()

	counts := make(map[string]uint64, len(snap.EventCounts))
	for t, n := range snap.EventCounts {
		if n > 0 {
			counts[t.String()] = n
		}
	}

	open := e.exec.OpenOrders()
	orders := make([]OpenOrder, 0, len(open))
	for _, o := range open {
		orders = append(orders, OpenOrder{
			IntentID:        o.IntentID,
			SignalID:        o.SignalID,
			Symbol:          o.Symbol,
			Side:            o.Side,
			Type:            o.Type,
			Quantity:        o.Quantity,
			FilledQuantity:  o.FilledQuantity,
			Status:          o.Status,
			ExchangeOrderID: o.ExchangeOrderID,
		})
	}

	return &Report{
		RunID:              runID,
		SourceEvents:       e.sources,
		MalformedEvents:    e.malformed,
		Events:             len(events),
		EventCounts:        counts,
		Rejects:            snap.RejectReasons,
		Faults:             snap.FaultCounts,
		OpenOrders:         orders,
		UndeliveredReports: e.sim.Pending(),
		Chaos:              e.sim.ChaosStats(),
		Final:              final,
		Digest:             digest,
	}, nil
}

// Digest hashes the canonical encoding of events in order.
func Digest(events []schema.Event) (string, error) {
	h := sha256.New()
	if err := WriteJSONL(h, events); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteJSONL writes one encoded event per line.
func WriteJSONL(w io.Writer, events []schema.Event) error {
	for _, e := range events {
		data, err := codec.EncodeEvent(e)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// WriteReport stores the report as indented JSON.
func WriteReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
