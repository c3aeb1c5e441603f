package schema

import "fmt"

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 2

// EventType defines the category of an event flowing through the bus.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventMarketTick
	EventSignal
	EventOrderIntent
	EventOrderAck
	EventFill
	EventReject
	EventCancel
	EventPortfolioSnapshot
	EventCancelRequest
	EventDayRollover
	EventBackpressure
)

// EventTypeCount is the number of defined event types, EventUnknown included.
const EventTypeCount = int(EventBackpressure) + 1

var eventTypeNames = [EventTypeCount]string{
	EventUnknown:           "Unknown",
	EventMarketTick:        "MarketTick",
	EventSignal:            "Signal",
	EventOrderIntent:       "OrderIntent",
	EventOrderAck:          "OrderAck",
	EventFill:              "Fill",
	EventReject:            "Reject",
	EventCancel:            "Cancel",
	EventPortfolioSnapshot: "PortfolioSnapshot",
	EventCancelRequest:     "CancelRequest",
	EventDayRollover:       "DayRollover",
	EventBackpressure:      "Backpressure",
}

// AllEventTypes lists every known type except EventUnknown.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, EventTypeCount-1)
	for t := EventMarketTick; int(t) < EventTypeCount; t++ {
		out = append(out, t)
	}
	return out
}

func (t EventType) String() string {
	if int(t) < EventTypeCount {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("EventType(%d)", uint16(t))
}

// Valid reports whether t is a known, non-unknown type.
func (t EventType) Valid() bool {
	return t > EventUnknown && int(t) < EventTypeCount
}

// IsSource reports whether events of this type originate outside the core
// and therefore carry no causation id.
func (t EventType) IsSource() bool {
	switch t {
	case EventMarketTick, EventSignal, EventCancelRequest, EventDayRollover, EventBackpressure:
		return true
	default:
		return false
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type: %d", uint16(t))
	}
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	for i, name := range eventTypeNames {
		if i != int(EventUnknown) && name == string(b) {
			*t = EventType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event type: %q", string(b))
}

// Event is the immutable envelope passed through the bus.
// ID and CausationID are assigned and checked by the bus on publish.
type Event struct {
	ID          uint64
	Type        EventType
	Timestamp   int64
	Symbol      string
	CausationID uint64
	Payload     Payload
}

// NewEvent builds an unpublished envelope for the payload. The event type is
// taken from the payload so the two can never disagree.
func NewEvent(payload Payload, symbol string, ts int64, causationID uint64) Event {
	e := Event{
		Timestamp:   ts,
		Symbol:      symbol,
		CausationID: causationID,
		Payload:     payload,
	}
	if payload != nil {
		e.Type = payload.EventType()
	}
	return e
}

// Derive builds an event caused by e, stamped with the same event time.
func (e Event) Derive(payload Payload) Event {
	return NewEvent(payload, e.Symbol, e.Timestamp, e.ID)
}

// Validate checks the envelope and payload shape. Causation linkage is
// checked by the bus, which knows what has been published.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %d", uint16(e.Type))
	}
	if e.Payload == nil {
		return fmt.Errorf("%s: payload is nil", e.Type)
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("%s: payload is %s", e.Type, e.Payload.EventType())
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%s: timestamp must be > 0", e.Type)
	}
	if !e.Type.IsSource() && e.CausationID == 0 {
		return fmt.Errorf("%s: causation id is required", e.Type)
	}
	return e.Payload.Validate()
}
