package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"tradecore/internal/schema"
)

// Record kinds accepted on the wire.
const (
	KindSignal   = "signal"
	KindTick     = "tick"
	KindCancel   = "cancel"
	KindRollover = "rollover"
)

// Parser decodes feed records.
type Parser struct {
	// Now stamps records that carry no ts.
	Now func() int64
	// SignalTTL sets expiresAt on signals that carry none. Zero leaves it
	// unset, which fails validation.
	SignalTTL time.Duration
}

// Parse decodes one feed record into an unpublished source event.
//
//	{"kind":"signal","symbol":"BTC","direction":"buy","confidence":0.8,"source":"m1","ts":...}
//	{"kind":"tick","symbol":"BTC","price":"100.5","size":"1","bid":"100.4","ask":"100.6"}
//	{"kind":"cancel","symbol":"BTC","signalId":12,"reason":"user"}
//	{"kind":"rollover","day":"2026-01-02"}
//
// ts is unix nanoseconds or RFC 3339. The returned event has passed
// validation.
func (p Parser) Parse(line []byte) (schema.Event, error) {
	if !gjson.ValidBytes(line) {
		return schema.Event{}, fmt.Errorf("invalid json")
	}
	rec := gjson.ParseBytes(line)
	if !rec.IsObject() {
		return schema.Event{}, fmt.Errorf("record is not an object")
	}

	var now int64
	if p.Now != nil {
		now = p.Now()
	}
	ts, err := timestamp(rec.Get("ts"), now)
	if err != nil {
		return schema.Event{}, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(rec.Get("symbol").String()))

	var payload schema.Payload
	switch kind := rec.Get("kind").String(); kind {
	case KindSignal:
		var dir schema.Direction
		if err := dir.UnmarshalText([]byte(rec.Get("direction").String())); err != nil {
			return schema.Event{}, err
		}
		conf := rec.Get("confidence")
		if conf.Type != gjson.Number {
			return schema.Event{}, fmt.Errorf("signal: confidence must be a number")
		}
		ref, err := decimalField(rec, "referencePrice")
		if err != nil {
			return schema.Event{}, err
		}
		expires, err := timestamp(rec.Get("expiresAt"), 0)
		if err != nil {
			return schema.Event{}, err
		}
		if expires == 0 && p.SignalTTL > 0 {
			expires = ts + int64(p.SignalTTL)
		}
		payload = schema.Signal{
			Symbol:         symbol,
			Direction:      dir,
			Confidence:     conf.Float(),
			Source:         rec.Get("source").String(),
			ExpiresAt:      expires,
			ReferencePrice: ref,
		}
	case KindTick:
		var t schema.MarketTick
		t.Symbol = symbol
		fields := []struct {
			key string
			dst *decimal.Decimal
		}{{"price", &t.Price}, {"size", &t.Size}, {"bid", &t.BidPrice}, {"ask", &t.AskPrice}}
		for _, f := range fields {
			if *f.dst, err = decimalField(rec, f.key); err != nil {
				return schema.Event{}, err
			}
		}
		payload = t
	case KindCancel:
		payload = schema.CancelRequest{
			IntentID: rec.Get("intentId").Uint(),
			SignalID: rec.Get("signalId").Uint(),
			Reason:   rec.Get("reason").String(),
		}
	case KindRollover:
		payload = schema.DayRollover{TradingDay: rec.Get("day").String()}
	case "":
		return schema.Event{}, fmt.Errorf("record without kind")
	default:
		return schema.Event{}, fmt.Errorf("unknown kind %q", kind)
	}

	e := schema.NewEvent(payload, symbol, ts, 0)
	if err := e.Validate(); err != nil {
		return schema.Event{}, err
	}
	return e, nil
}

func timestamp(v gjson.Result, fallback int64) (int64, error) {
	switch v.Type {
	case gjson.Null:
		return fallback, nil
	case gjson.Number:
		return v.Int(), nil
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return 0, fmt.Errorf("timestamp %q: %w", v.String(), err)
		}
		return t.UnixNano(), nil
	default:
		return 0, fmt.Errorf("timestamp has type %s", v.Type)
	}
}

func decimalField(rec gjson.Result, key string) (decimal.Decimal, error) {
	v := rec.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
