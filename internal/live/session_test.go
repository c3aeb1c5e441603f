package live

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/execution"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/portfolio"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
	"tradecore/internal/store"
	"tradecore/pkg/conn"
)

// gateway acks every order and fills it at a fixed price on the next poll.
type gateway struct {
	mu      sync.Mutex
	price   decimal.Decimal
	next    int
	pending []execution.Report
	placed  []execution.OrderRequest
	failed  int
	garbled bool
}

func (g *gateway) PlaceOrder(_ context.Context, req execution.OrderRequest) (execution.Placement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	id := fmt.Sprintf("ex-%d", g.next)
	g.placed = append(g.placed, req)
	g.pending = append(g.pending, execution.Report{
		Kind:            execution.ReportFill,
		IntentID:        req.IntentID,
		ExchangeOrderID: id,
		TradeID:         id + "-t1",
		Quantity:        req.Quantity,
		Price:           g.price,
		Fee:             decimal.RequireFromString("0.5"),
	})
	return execution.Placement{ExchangeOrderID: id, Acked: true}, nil
}

func (g *gateway) CancelOrder(context.Context, string) error { return nil }

func (g *gateway) PollReports(_ context.Context, cursor string) ([]execution.Report, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failed < 1 {
		g.failed++
		return nil, cursor, fmt.Errorf("gateway warming up")
	}
	out := g.pending
	g.pending = nil
	if g.garbled && len(out) > 0 {
		g.garbled = false
		out = append([]execution.Report{{Kind: execution.ReportUnknown, IntentID: out[0].IntentID}}, out...)
	}
	return out, cursor + "x", nil
}

// shortTempDir keeps unix socket paths under the platform length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "live")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func liveConfig(t *testing.T) ops.Config {
	cfg := ops.Default()
	cfg.Mode = ops.ModeLive
	cfg.Exchange.BaseURL = "http://unused"
	cfg.Exchange.PollInterval = 5 * time.Millisecond
	cfg.Feed.Path = "-"
	cfg.Portfolio.StartingCash = decimal.NewFromInt(10_000)
	require.NoError(t, cfg.Validate())
	return cfg
}

const feedInput = `{"kind":"tick","symbol":"BTC","price":"100","ts":1000}
{"kind":"signal","symbol":"BTC","direction":"buy","confidence":0.9,"source":"m1","ts":2000}
{"kind":"signal","symbol":"BTC","direction":"buy","confidence":0.1,"source":"m1","ts":3000}
not json
`

func TestSessionRunsFeedToFinalSnapshot(t *testing.T) {
	cfg := liveConfig(t)
	gw := &gateway{price: decimal.NewFromInt(100)}
	rec := obs.NewRecorder()

	s, err := New(cfg, gw, WithInput(strings.NewReader(feedInput)), WithSink(rec), WithDrainTimeout(5*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := s.Run(ctx)
	require.NoError(t, err)

	require.Len(t, gw.placed, 1)
	assert.True(t, final.Final)
	assert.Equal(t, uint64(1), final.FillCount)
	assert.True(t, final.Cash.Equal(decimal.RequireFromString("9899.5")), final.Cash.String())
	require.Len(t, final.Positions, 1)
	assert.True(t, final.Positions[0].Quantity.Equal(decimal.NewFromInt(1)))

	st := s.Ingester().Stats()
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(1), st.Rejected)

	assert.Len(t, rec.EventsOf(schema.EventOrderAck), 1)
	assert.Len(t, rec.EventsOf(schema.EventReject), 1)
	assert.Len(t, rec.FaultsOf(obs.FaultRejectedAtIngestion), 1)
	assert.Equal(t, uint64(1), s.Metrics().Fault(obs.FaultExecutionTransient))

	// every derived event links back to a source event
	for _, e := range s.Journal().Events() {
		chain, err := s.Journal().Chain(e.ID)
		require.NoError(t, err)
		assert.True(t, chain[0].Type.IsSource(), "event %d", e.ID)
	}
}

func TestSessionSnapshotsEveryFill(t *testing.T) {
	cfg := liveConfig(t)
	cfg.Portfolio.SnapshotEvery = 5
	gw := &gateway{price: decimal.NewFromInt(100)}
	rec := obs.NewRecorder()

	s, err := New(cfg, gw, WithInput(strings.NewReader(feedInput)), WithSink(rec), WithDrainTimeout(5*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := s.Run(ctx)
	require.NoError(t, err)

	var periodic uint64
	for _, e := range rec.EventsOf(schema.EventPortfolioSnapshot) {
		if !e.Payload.(schema.PortfolioSnapshot).Final {
			periodic++
		}
	}
	assert.Equal(t, uint64(1), final.FillCount)
	assert.Equal(t, final.FillCount, periodic)
}

func TestSessionSurvivesBadReport(t *testing.T) {
	cfg := liveConfig(t)
	gw := &gateway{price: decimal.NewFromInt(100), garbled: true}
	rec := obs.NewRecorder()

	s, err := New(cfg, gw, WithInput(strings.NewReader(feedInput)), WithSink(rec), WithDrainTimeout(5*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), final.FillCount)
	require.Len(t, rec.FaultsOf(obs.FaultReportFailed), 1)
	assert.Equal(t, uint64(1), s.Metrics().Fault(obs.FaultReportFailed))
}

func TestSessionRecordsAndStores(t *testing.T) {
	dir := t.TempDir()
	cfg := liveConfig(t)
	cfg.Recorder.Enabled = true
	cfg.Recorder.WAL = recorder.DefaultConfig(filepath.Join(dir, "wal"))
	cfg.Recorder.SnapshotPath = filepath.Join(dir, "positions.json")
	cfg.Database = conn.Option{Driver: conn.DriverSQLite, Path: filepath.Join(dir, "events.db")}
	cfg.Store.Session = "s1"
	require.NoError(t, cfg.Validate())

	gw := &gateway{price: decimal.NewFromInt(100)}
	s, err := New(cfg, gw, WithInput(strings.NewReader(feedInput)), WithDrainTimeout(5*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := s.Run(ctx)
	require.NoError(t, err)

	// the WAL alone rebuilds the same portfolio
	res, err := portfolio.Recover(ctx, portfolio.RecoverConfig{
		WALDir:  cfg.Recorder.WAL.Dir,
		Tracker: cfg.Portfolio,
	})
	require.NoError(t, err)
	assert.NoError(t, portfolio.CompareSnapshots(final, res.Tracker.Snapshot()))
	assert.Equal(t, uint64(s.Journal().Len()), res.LastEventID)

	snap, err := portfolio.ReadSnapshot(cfg.Recorder.SnapshotPath)
	require.NoError(t, err)
	assert.NoError(t, portfolio.CompareSnapshots(final, snap.Snapshot))
	assert.Equal(t, res.LastEventID, snap.LastEventID)

	client, err := conn.New(cfg.Database)
	require.NoError(t, err)
	defer client.Close()
	st, err := store.New(client.DB())
	require.NoError(t, err)
	n, err := st.Count(ctx, "s1", schema.EventUnknown)
	require.NoError(t, err)
	assert.Equal(t, int64(s.Journal().Len()), n)
}

func TestSessionStopsOnCancel(t *testing.T) {
	cfg := liveConfig(t)
	cfg.Feed.Path = ""
	cfg.Feed.Socket = filepath.Join(shortTempDir(t), "f.sock")

	s, err := New(cfg, &gateway{price: decimal.NewFromInt(1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestNewRequiresGateway(t *testing.T) {
	_, err := New(liveConfig(t), nil)
	assert.Error(t, err)
}
