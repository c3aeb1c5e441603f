package backtest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/recorder"
	"tradecore/internal/schema"
)

func TestPrepareKeepsSourcesInStableTimeOrder(t *testing.T) {
	var b logBuilder
	t3 := b.tick(3*sec, "BTC", "101")
	t1a := b.tick(1*sec, "BTC", "100")
	sig := b.signal(1*sec, "BTC", schema.DirectionBuy, 0.9, "")
	intent := schema.NewEvent(schema.OrderIntent{
		SignalID:     sig,
		Symbol:       "BTC",
		RiskDecision: schema.RiskDecisionRejected,
		Reason:       "low_confidence",
	}, "BTC", 1*sec, sig)
	intent.ID = 99
	b.events = append(b.events, intent)
	b.add(schema.Backpressure{Subscriber: "risk", DroppedID: 1, DroppedType: schema.EventMarketTick}, "", 2*sec)
	b.add(schema.CancelRequest{IntentID: 99, Reason: "user"}, "BTC", 2*sec)

	out := Prepare(b.events)
	require.Len(t, out, 4)
	assert.Equal(t, t1a, out[0].ID)
	assert.Equal(t, sig, out[1].ID)
	assert.Equal(t, schema.EventCancelRequest, out[2].Type)
	assert.Equal(t, t3, out[3].ID)

	req := out[2].Payload.(schema.CancelRequest)
	assert.Equal(t, sig, req.SignalID)
	assert.Zero(t, req.IntentID)
}

func TestJSONLRoundTrip(t *testing.T) {
	events := richLog()
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, events))

	loaded, err := LoadJSONL(strings.NewReader("# recorded\n\n" + buf.String()))
	require.NoError(t, err)
	require.Len(t, loaded, len(events))

	d1, err := Digest(events)
	require.NoError(t, err)
	d2, err := Digest(loaded)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestLoadJSONLReportsLine(t *testing.T) {
	_, err := LoadJSONL(strings.NewReader("{\"type\":\"MarketTick\"}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestReplayFromRecordedWAL(t *testing.T) {
	first, r1 := run(t, richConfig(), richLog())

	dir := t.TempDir()
	w, err := recorder.NewWriter(recorder.DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	for _, e := range first.Journal().Events() {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())

	events, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, events, first.Journal().Len())

	_, r2 := run(t, richConfig(), events)
	assert.Equal(t, r1.Digest, r2.Digest)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, richLog()))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	events, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, events, len(richLog()))
}
