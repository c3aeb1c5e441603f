package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/conn"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	client, err := conn.New(conn.Option{
		Driver: conn.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "events.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client.DB())
	require.NoError(t, err)
	return s
}

func tick(id uint64, ts int64, price string) schema.Event {
	e := schema.NewEvent(schema.MarketTick{
		Symbol: "BTC",
		Price:  decimal.RequireFromString(price),
		Size:   decimal.NewFromInt(1),
	}, "BTC", ts, 0)
	e.ID = id
	return e
}

func TestAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	sig := schema.NewEvent(schema.Signal{
		Symbol:     "BTC",
		Direction:  schema.DirectionBuy,
		Confidence: 0.8,
	}, "BTC", 2_000, 0)
	sig.ID = 2

	require.NoError(t, s.Append(ctx, "run-a", tick(3, 3_000, "101"), tick(1, 1_000, "100"), sig))

	events, err := s.Load(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].ID)
	assert.Equal(t, schema.EventSignal, events[1].Type)
	assert.Equal(t, uint64(3), events[2].ID)

	p := events[2].Payload.(schema.MarketTick)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(101)))
}

func TestAppendIgnoresDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Append(ctx, "run-a", tick(1, 1_000, "100")))
	require.NoError(t, s.Append(ctx, "run-a", tick(1, 1_000, "100"), tick(2, 2_000, "101")))
	require.NoError(t, s.Append(ctx, "run-b", tick(1, 1_000, "100")))

	n, err := s.Count(ctx, "run-a", schema.EventUnknown)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Count(ctx, "run-a", schema.EventSignal)
	require.NoError(t, err)
	assert.Zero(t, n)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a", "run-b"}, sessions)
}

func TestNewNilDB(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestSinkFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	metrics := obs.NewMetrics()

	sink, err := NewSink(s, SinkConfig{Session: "live", BatchSize: 2}, metrics)
	require.NoError(t, err)
	sink.Start(ctx)

	for i := uint64(1); i <= 5; i++ {
		sink.OnEvent(ctx, tick(i, int64(i)*1_000, "100"))
	}
	sink.Close()
	sink.Close()
	sink.OnEvent(ctx, tick(6, 6_000, "100"))

	assert.Equal(t, uint64(5), sink.Written())
	assert.Equal(t, uint64(1), sink.Failed())
	assert.Equal(t, uint64(1), metrics.Fault(obs.FaultPersistence))

	events, err := s.Load(ctx, "live")
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestSinkCountsFailures(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	metrics := obs.NewMetrics()

	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	sink, err := NewSink(s, SinkConfig{Session: "live"}, metrics)
	require.NoError(t, err)
	sink.Start(ctx)
	sink.OnEvent(ctx, tick(1, 1_000, "100"))
	sink.OnEvent(ctx, tick(2, 2_000, "100"))
	sink.Close()

	assert.Equal(t, uint64(2), sink.Failed())
	assert.Equal(t, uint64(2), metrics.Fault(obs.FaultPersistence))
}

func TestSinkWaitsForRoomExceptTicks(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	metrics := obs.NewMetrics()

	sink, err := NewSink(s, SinkConfig{Session: "live", QueueSize: 1}, metrics)
	require.NoError(t, err)

	sink.OnEvent(ctx, tick(1, 1_000, "100"))
	sink.OnEvent(ctx, tick(2, 2_000, "100"))

	fill := schema.NewEvent(schema.Fill{
		IntentID: 1,
		Side:     schema.OrderSideBuy,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
	}, "BTC", 3_000, 0)
	fill.ID = 3
	queued := make(chan struct{})
	go func() {
		defer close(queued)
		sink.OnEvent(ctx, fill)
	}()

	sink.Start(ctx)
	<-queued
	sink.Close()

	assert.Equal(t, uint64(2), sink.Written())
	assert.Equal(t, uint64(1), sink.Failed())

	n, err := s.Count(ctx, "live", schema.EventFill)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSinkGivesUpWhenContextEnds(t *testing.T) {
	s := openStore(t)
	metrics := obs.NewMetrics()

	sink, err := NewSink(s, SinkConfig{Session: "live", QueueSize: 1}, metrics)
	require.NoError(t, err)
	sink.OnEvent(context.Background(), tick(1, 1_000, "100"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sig := schema.NewEvent(schema.Signal{Symbol: "BTC", Direction: schema.DirectionBuy, Confidence: 0.8}, "BTC", 2_000, 0)
	sig.ID = 2
	sink.OnEvent(ctx, sig)
	sink.Close()

	assert.Equal(t, uint64(1), sink.Written())
	assert.Equal(t, uint64(1), metrics.Fault(obs.FaultPersistence))
}

func TestNewSinkValidates(t *testing.T) {
	_, err := NewSink(nil, SinkConfig{Session: "x"}, nil)
	assert.Error(t, err)

	_, err = NewSink(&Store{}, SinkConfig{}, nil)
	assert.Error(t, err)
}
