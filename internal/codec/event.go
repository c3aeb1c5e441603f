package codec

import (
	"encoding/json"
	"fmt"

	"tradecore/internal/schema"
)

// envelope is the wire form of schema.Event. Field order is fixed so that
// encoding the same event always yields the same bytes.
type envelope struct {
	ID          uint64           `json:"id,omitempty"`
	Type        schema.EventType `json:"type"`
	Timestamp   int64            `json:"timestamp"`
	Symbol      string           `json:"symbol,omitempty"`
	CausationID uint64           `json:"causationId,omitempty"`
	Payload     json.RawMessage  `json:"payload"`
}

// EncodeEvent serializes an event into its canonical JSON form.
func EncodeEvent(e schema.Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("encode %s: payload is nil", e.Type)
	}
	if e.Type != e.Payload.EventType() {
		return nil, fmt.Errorf("encode %s: payload is %s", e.Type, e.Payload.EventType())
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	return json.Marshal(envelope{
		ID:          e.ID,
		Type:        e.Type,
		Timestamp:   e.Timestamp,
		Symbol:      e.Symbol,
		CausationID: e.CausationID,
		Payload:     body,
	})
}

// DecodeEvent parses the canonical JSON form back into an event.
func DecodeEvent(data []byte) (schema.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return schema.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return schema.Event{}, err
	}
	symbol := env.Symbol
	if symbol == "" {
		symbol = payloadSymbol(payload)
	}
	return schema.Event{
		ID:          env.ID,
		Type:        env.Type,
		Timestamp:   env.Timestamp,
		Symbol:      symbol,
		CausationID: env.CausationID,
		Payload:     payload,
	}, nil
}

func decodePayload(t schema.EventType, raw json.RawMessage) (schema.Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("decode %s: payload is empty", t)
	}
	switch t {
	case schema.EventMarketTick:
		return decodeAs[schema.MarketTick](t, raw)
	case schema.EventSignal:
		return decodeAs[schema.Signal](t, raw)
	case schema.EventOrderIntent:
		return decodeAs[schema.OrderIntent](t, raw)
	case schema.EventOrderAck:
		return decodeAs[schema.OrderAck](t, raw)
	case schema.EventFill:
		return decodeAs[schema.Fill](t, raw)
	case schema.EventReject:
		return decodeAs[schema.Reject](t, raw)
	case schema.EventCancel:
		return decodeAs[schema.Cancel](t, raw)
	case schema.EventPortfolioSnapshot:
		return decodeAs[schema.PortfolioSnapshot](t, raw)
	case schema.EventCancelRequest:
		return decodeAs[schema.CancelRequest](t, raw)
	case schema.EventDayRollover:
		return decodeAs[schema.DayRollover](t, raw)
	case schema.EventBackpressure:
		return decodeAs[schema.Backpressure](t, raw)
	default:
		return nil, fmt.Errorf("decode: unsupported event type %s", t)
	}
}

func decodeAs[T schema.Payload](t schema.EventType, raw json.RawMessage) (schema.Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

func payloadSymbol(p schema.Payload) string {
	switch v := p.(type) {
	case schema.MarketTick:
		return v.Symbol
	case schema.Signal:
		return v.Symbol
	case schema.OrderIntent:
		return v.Symbol
	default:
		return ""
	}
}
