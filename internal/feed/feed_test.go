package feed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/bus"
	"tradecore/internal/errors"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

const now = int64(1_700_000_000_000_000_000)

func parser() Parser {
	return Parser{Now: func() int64 { return now }, SignalTTL: time.Minute}
}

func TestParseSignal(t *testing.T) {
	e, err := parser().Parse([]byte(`{"kind":"signal","symbol":" btc ","direction":"BUY","confidence":0.75,"source":"m1","referencePrice":"100.5"}`))
	require.NoError(t, err)
	assert.Equal(t, schema.EventSignal, e.Type)
	assert.Equal(t, "BTC", e.Symbol)
	assert.Equal(t, now, e.Timestamp)

	s := e.Payload.(schema.Signal)
	assert.Equal(t, schema.DirectionBuy, s.Direction)
	assert.Equal(t, 0.75, s.Confidence)
	assert.Equal(t, now+int64(time.Minute), s.ExpiresAt)
	assert.True(t, s.ReferencePrice.Equal(decimal.RequireFromString("100.5")))
}

func TestParseTimestamps(t *testing.T) {
	e, err := parser().Parse([]byte(`{"kind":"tick","symbol":"ETH","price":2000,"size":"1.5","ts":42}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), e.Timestamp)
	tick := e.Payload.(schema.MarketTick)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(2000)))
	assert.True(t, tick.Size.Equal(decimal.RequireFromString("1.5")))

	e, err = parser().Parse([]byte(`{"kind":"rollover","day":"2026-01-02","ts":"2026-01-02T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).UnixNano(), e.Timestamp)
	assert.Equal(t, "2026-01-02", e.Payload.(schema.DayRollover).TradingDay)
}

func TestParseCancel(t *testing.T) {
	e, err := parser().Parse([]byte(`{"kind":"cancel","symbol":"BTC","signalId":12,"reason":"user"}`))
	require.NoError(t, err)
	req := e.Payload.(schema.CancelRequest)
	assert.Equal(t, uint64(12), req.SignalID)
	assert.Equal(t, "user", req.Reason)
}

func TestParseRejects(t *testing.T) {
	lines := []string{
		`not json`,
		`[1,2]`,
		`{"symbol":"BTC"}`,
		`{"kind":"order","symbol":"BTC"}`,
		`{"kind":"signal","symbol":"BTC","direction":"up","confidence":0.5,"source":"m"}`,
		`{"kind":"signal","symbol":"BTC","direction":"buy","confidence":"high","source":"m"}`,
		`{"kind":"signal","symbol":"BTC","direction":"buy","confidence":1.5,"source":"m"}`,
		`{"kind":"signal","symbol":"BTC","direction":"buy","confidence":0.5}`,
		`{"kind":"signal","direction":"buy","confidence":0.5,"source":"m"}`,
		`{"kind":"tick","symbol":"BTC","price":"abc"}`,
		`{"kind":"tick","symbol":"BTC","price":"0"}`,
		`{"kind":"cancel","symbol":"BTC"}`,
		`{"kind":"tick","symbol":"BTC","price":"1","ts":true}`,
	}
	for _, line := range lines {
		_, err := parser().Parse([]byte(line))
		assert.Error(t, err, line)
	}
}

func TestParseSignalWithoutTTLNeedsExpiry(t *testing.T) {
	_, err := Parser{}.Parse([]byte(`{"kind":"signal","symbol":"BTC","direction":"buy","confidence":0.5,"source":"m","ts":5}`))
	assert.Error(t, err)

	e, err := Parser{}.Parse([]byte(`{"kind":"signal","symbol":"BTC","direction":"hold","confidence":0.5,"source":"m","ts":5,"expiresAt":9}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9), e.Payload.(schema.Signal).ExpiresAt)
}

func TestIngesterRun(t *testing.T) {
	ctx := context.Background()
	rec := obs.NewRecorder()
	b := bus.NewSync(bus.Config{Sink: rec})
	defer b.Close()

	in := NewIngester(b, parser(), WithSink(rec))
	input := strings.Join([]string{
		`# header`,
		``,
		`{"kind":"tick","symbol":"BTC","price":"100","ts":1}`,
		`{"kind":"signal","symbol":"BTC","direction":"buy","confidence":0.9,"source":"m","ts":2}`,
		`garbage`,
		`{"kind":"signal","symbol":"BTC","direction":"buy","confidence":7,"source":"m","ts":3}`,
		`  {"kind":"rollover","day":"2026-01-02","ts":4}  `,
	}, "\n")
	require.NoError(t, in.Run(ctx, strings.NewReader(input)))

	assert.Equal(t, Stats{Lines: 5, Published: 3, Rejected: 2}, in.Stats())
	assert.Len(t, rec.Events(), 3)

	faults := rec.FaultsOf(obs.FaultRejectedAtIngestion)
	require.Len(t, faults, 2)
	assert.Equal(t, Name, faults[0].Component)
	assert.True(t, errors.Is(faults[0].Err, exception.ErrRejectedAtIngestion))
}

func TestIngesterStopsOnClosedBus(t *testing.T) {
	b := bus.NewSync(bus.Config{})
	b.Close()

	in := NewIngester(b, parser())
	err := in.Ingest(context.Background(), []byte(`{"kind":"tick","symbol":"BTC","price":"100","ts":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrBusClosed))
}
