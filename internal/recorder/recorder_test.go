package recorder

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/clock"
	"tradecore/internal/codec"
	"tradecore/internal/errors"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

func sampleEvents() []schema.Event {
	tick := schema.NewEvent(schema.MarketTick{
		Symbol: "BTC-USD",
		Price:  decimal.NewFromInt(100),
		Size:   decimal.NewFromInt(1),
	}, "BTC-USD", 1_000_000_000, 0)
	tick.ID = 1

	sig := schema.NewEvent(schema.Signal{
		Symbol:     "BTC-USD",
		Direction:  schema.DirectionBuy,
		Confidence: 0.8,
		Source:     "momentum",
		ExpiresAt:  9_000_000_000,
	}, "BTC-USD", 3_000_000_000, 0)
	sig.ID = 2

	intent := sig.Derive(schema.OrderIntent{
		SignalID:     2,
		Symbol:       "BTC-USD",
		Side:         schema.OrderSideBuy,
		Quantity:     decimal.NewFromInt(1),
		OrderType:    schema.OrderTypeMarket,
		RiskDecision: schema.RiskDecisionApproved,
		Policy:       "fixed@v1",
	})
	intent.ID = 3
	return []schema.Event{tick, sig, intent}
}

func writeAll(t *testing.T, dir string, events []schema.Event) {
	t.Helper()
	w, err := NewWriter(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	for _, e := range events {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(len(events)), w.Appended())
}

func TestWriterPlaybackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	events := sampleEvents()
	writeAll(t, dir, events)

	pb, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)

	var got []schema.Event
	require.NoError(t, pb.Run(context.Background(), func(e schema.Event) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, len(events))
	for i := range events {
		want, err := codec.EncodeEvent(events[i])
		require.NoError(t, err)
		have, err := codec.EncodeEvent(got[i])
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(have))
	}
	assert.Equal(t, uint64(2), got[2].CausationID)
}

func TestReaderDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir, sampleEvents()[:1])

	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	data[frameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], data, 0o644))

	pb, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)
	err = pb.Run(context.Background(), func(schema.Event) error { return nil })
	require.ErrorIs(t, err, exception.ErrChecksumWAL)
}

func TestReaderNextEvent(t *testing.T) {
	dir := t.TempDir()
	events := sampleEvents()
	writeAll(t, dir, events)

	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	r := NewReader(f, ReaderOptions{})
	for _, want := range events {
		e, err := r.NextEvent()
		require.NoError(t, err)
		assert.Equal(t, want.ID, e.ID)
		assert.Equal(t, want.Type, e.Type)
	}
}

func TestPlaybackPacesOnClock(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir, sampleEvents())

	pb, err := NewPlayback(PlaybackConfig{Dir: dir, Speed: 2})
	require.NoError(t, err)
	vc := &clock.Virtual{}
	pb.WithClock(vc)

	require.NoError(t, pb.Run(context.Background(), func(schema.Event) error { return nil }))
	slept, calls := vc.Slept()
	assert.Equal(t, time.Second, slept)
	assert.Equal(t, 1, calls)
}

func TestAppendBeforeStart(t *testing.T) {
	w, err := NewWriter(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.ErrorIs(t, w.Append(sampleEvents()[0]), exception.ErrNotStartedWAL)

	require.NoError(t, w.Start(context.Background()))
	require.ErrorIs(t, w.Start(context.Background()), exception.ErrStartedWAL)
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Append(sampleEvents()[0]), exception.ErrClosedWAL)
}

func TestSinkRecordsEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	metrics := obs.NewMetrics()
	sink := NewSink(w, metrics)
	for _, e := range sampleEvents() {
		sink.OnEvent(context.Background(), e)
	}
	require.NoError(t, w.Close())
	sink.OnEvent(context.Background(), sampleEvents()[0])

	assert.Equal(t, uint64(1), sink.Failed())
	assert.Equal(t, uint64(1), metrics.Fault(obs.FaultPersistence))

	var n int
	pb, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, pb.Run(context.Background(), func(schema.Event) error {
		n++
		return nil
	}))
	assert.Equal(t, 3, n)
}

func TestConfigValidate(t *testing.T) {
	_, err := NewWriter(Config{})
	require.Error(t, err)

	_, err = NewPlayback(PlaybackConfig{Dir: "x", Speed: -1})
	require.Error(t, err)
}

func TestWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MaxSegmentBytes = 1 // every frame opens a new segment
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	for _, e := range sampleEvents() {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())

	assert.Equal(t, uint64(3), w.Written())
	assert.Equal(t, uint64(3), w.Segments())
	files, err := listSegments(dir, defaultFilePrefix)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	var ids []uint64
	pb, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, pb.Run(context.Background(), func(e schema.Event) error {
		ids = append(ids, e.ID)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestReaderTruncatedFrame(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir, sampleEvents()[:2])
	files, err := listSegments(dir, defaultFilePrefix)
	require.NoError(t, err)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(data[:len(data)-3]), ReaderOptions{})
	_, err = r.NextEvent()
	require.NoError(t, err)
	_, err = r.NextEvent()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	r = NewReader(bytes.NewReader(data[frameHeaderSize:]), ReaderOptions{})
	_, _, err = r.Next()
	assert.ErrorIs(t, err, exception.ErrCorruptWAL)
}

func TestReaderPayloadLimit(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir, sampleEvents()[:1])
	pb, err := NewPlayback(PlaybackConfig{Dir: dir, MaxPayloadSize: 8})
	require.NoError(t, err)
	err = pb.Run(context.Background(), func(schema.Event) error { return nil })
	assert.ErrorIs(t, err, exception.ErrRecordTooLargeWAL)
}

func TestWriterStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(DefaultConfig(dir))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Append(sampleEvents()[0]))
	cancel()

	require.Eventually(t, func() bool {
		return errors.Is(w.Append(sampleEvents()[1]), exception.ErrClosedWAL)
	}, time.Second, time.Millisecond)
	require.NoError(t, w.Close())
	assert.Equal(t, w.Appended(), w.Written())
}
