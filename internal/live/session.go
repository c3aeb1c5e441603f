package live

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/bus"
	"tradecore/internal/errors"
	"tradecore/internal/execution"
	"tradecore/internal/feed"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/portfolio"
	"tradecore/internal/recorder"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/store"
	"tradecore/pkg/conn"
	"tradecore/pkg/uds"
)

// Name is the component name on faults raised by the session.
const Name = "live"

const defaultDrainTimeout = 30 * time.Second

// Gateway is an exchange that also reports asynchronously.
type Gateway interface {
	execution.Exchange
	PollReports(ctx context.Context, cursor string) ([]execution.Report, string, error)
}

// Option customizes a Session.
type Option func(*Session)

// WithInput reads the feed from r instead of cfg.Feed.Path.
func WithInput(r io.Reader) Option {
	return func(s *Session) { s.input = r }
}

// WithSink adds an observer of every event and fault.
func WithSink(sink obs.Sink) Option {
	return func(s *Session) {
		if sink != nil {
			s.extra = append(s.extra, sink)
		}
	}
}

// WithDrainTimeout bounds how long a finished feed waits for open orders.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Session) { s.drainTimeout = d }
}

// Session runs the components on an AsyncBus against a real gateway.
type Session struct {
	id           string
	cfg          ops.Config
	gateway      Gateway
	input        io.Reader
	extra        []obs.Sink
	drainTimeout time.Duration

	metrics *obs.Metrics
	faults  obs.Sink
	journal *bus.Journal
	bus     *bus.AsyncBus
	risk    *risk.Manager
	exec    *execution.Manager
	tracker *portfolio.Tracker
	ingest  *feed.Ingester

	wal       *recorder.Writer
	walSink   *recorder.Sink
	db        *conn.Client
	storeSink *store.Sink
	prom      *http.Server
}

// New wires a session. Nothing runs until Run.
func New(cfg ops.Config, gw Gateway, opts ...Option) (*Session, error) {
	if gw == nil {
		return nil, errors.New("live: nil gateway")
	}
	s := &Session{
		id:           uuid.NewString(),
		cfg:          cfg,
		gateway:      gw,
		drainTimeout: defaultDrainTimeout,
		metrics:      obs.NewMetrics(),
		journal:      bus.NewJournal(),
	}
	for _, opt := range opts {
		opt(s)
	}

	sinks := obs.Sinks{obs.MetricsSink{Metrics: s.metrics}, obs.LogSink{}}
	if cfg.Recorder.Enabled {
		w, err := recorder.NewWriter(cfg.Recorder.WAL)
		if err != nil {
			return nil, err
		}
		s.wal = w
		s.walSink = recorder.NewSink(w, s.metrics)
		sinks = append(sinks, s.walSink)
	}
	if cfg.Database.Enabled() {
		db, err := conn.New(cfg.Database)
		if err != nil {
			return nil, err
		}
		st, err := store.New(db.DB())
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		sinkCfg := cfg.Store
		if sinkCfg.Session == "" {
			sinkCfg.Session = s.id
		}
		if s.storeSink, err = store.NewSink(st, sinkCfg, s.metrics); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		sinks = append(sinks, s.storeSink)
	}
	for _, extra := range s.extra {
		sinks = append(sinks, extra)
	}

	s.faults = sinks
	s.bus = bus.NewAsync(bus.Config{
		Journal:   s.journal,
		Sink:      sinks,
		Metrics:   s.metrics,
		QueueSize: cfg.Bus.QueueSize,
		Overflow:  cfg.Bus.Overflow,
	})

	var err error
	s.risk, err = risk.NewManager(cfg.Risk, risk.DefaultRegistry(), risk.WithSink(sinks), risk.WithMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	s.exec, err = execution.NewManager(cfg.Execution, gw, execution.WithSink(sinks), execution.WithMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	// live sessions snapshot after every fill
	pcfg := cfg.Portfolio
	pcfg.SnapshotEvery = 1
	s.tracker = portfolio.NewTracker(pcfg)
	s.ingest = feed.NewIngester(s.bus, feed.Parser{
		Now:       func() int64 { return time.Now().UnixNano() },
		SignalTTL: cfg.Feed.SignalTTL,
	}, feed.WithSink(sinks))

	s.risk.Attach(s.bus)
	s.exec.Attach(s.bus)
	s.tracker.Attach(s.bus)
	return s, nil
}

// Run processes the feed until ctx is done, or until a file feed is
// exhausted and every open order has settled. It returns the final
// snapshot.
func (s *Session) Run(ctx context.Context) (schema.PortfolioSnapshot, error) {
	logs.Infof("live session %s starting, policy %s", s.id, s.risk.Policy())
	if err := s.start(ctx); err != nil {
		s.shutdown()
		return schema.PortfolioSnapshot{}, err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	input, closeInput, err := s.openInput()
	if err != nil {
		s.shutdown()
		return schema.PortfolioSnapshot{}, err
	}
	defer closeInput()

	if input != nil {
		g.Go(func() error {
			if err := s.ingest.Run(gctx, input); err != nil {
				return err
			}
			st := s.ingest.Stats()
			logs.Infof("live session %s: feed done, %d published, %d rejected, %d dropped",
				s.id, st.Published, st.Rejected, st.Dropped)
			if s.cfg.Feed.Socket == "" {
				s.settle(gctx)
				stop()
			}
			return nil
		})
	}
	if s.cfg.Feed.Socket != "" {
		srv, err := uds.NewServer(s.cfg.Feed.Socket)
		if err != nil {
			s.shutdown()
			return schema.PortfolioSnapshot{}, err
		}
		if err := srv.Listen(); err != nil {
			s.shutdown()
			return schema.PortfolioSnapshot{}, err
		}
		logs.Infof("live session %s: feed socket %s", s.id, srv.Path())
		g.Go(func() error { return srv.Serve(gctx, s.ingest.ServeConn) })
	}
	g.Go(func() error { return s.poll(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	final, ferr := s.finish()
	if err == nil {
		err = ferr
	}
	return final, err
}

func (s *Session) start(ctx context.Context) error {
	// shutdown drains after ctx is cancelled
	ctx = context.WithoutCancel(ctx)
	if s.wal != nil {
		if err := s.wal.Start(ctx); err != nil {
			return err
		}
	}
	if s.storeSink != nil {
		s.storeSink.Start(ctx)
	}
	if s.cfg.Metrics.Addr != "" {
		s.prom = obs.Serve(s.cfg.Metrics.Addr, obs.Registry(s.metrics))
		logs.Infof("live session %s: metrics on %s/metrics", s.id, s.cfg.Metrics.Addr)
	}
	return s.bus.Start(ctx)
}

func (s *Session) openInput() (io.Reader, func(), error) {
	nop := func() {}
	switch {
	case s.input != nil:
		return s.input, nop, nil
	case s.cfg.Feed.Path == "":
		return nil, nop, nil
	case s.cfg.Feed.Path == "-":
		return os.Stdin, nop, nil
	}
	f, err := os.Open(s.cfg.Feed.Path)
	if err != nil {
		return nil, nop, errors.Wrapf(err, "open feed %s", s.cfg.Feed.Path)
	}
	return f, func() { _ = f.Close() }, nil
}

// poll moves gateway reports into the execution manager.
func (s *Session) poll(ctx context.Context) error {
	interval := s.cfg.Exchange.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var cursor string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		reports, next, err := s.gateway.PollReports(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logs.Warnf("live session %s: poll reports failed, err: %+v", s.id, err)
			s.metrics.IncFault(obs.FaultExecutionTransient)
			continue
		}
		cursor = next
		for _, r := range reports {
			if err := s.exec.HandleReport(ctx, r); err != nil {
				s.reportFault(ctx, r, err)
			}
		}
	}
}

// reportFault records a report the execution manager could not apply. The
// session keeps polling so one bad report cannot stop trading.
func (s *Session) reportFault(ctx context.Context, r execution.Report, err error) {
	s.faults.OnFault(ctx, obs.Fault{
		Kind:      obs.FaultReportFailed,
		Component: Name,
		EventID:   r.IntentID,
		Err:       errors.Wrapf(err, "%s report", r.Kind),
	})
}

// settle waits until the bus is idle and no order is working, or the drain
// timeout passes.
func (s *Session) settle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.bus.WaitIdle(ctx) == nil && len(s.exec.OpenOrders()) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logs.Warnf("live session %s: %d orders still open after drain", s.id, len(s.exec.OpenOrders()))
			return
		case <-ticker.C:
		}
	}
}

// finish emits the final snapshot, drains the bus and releases resources.
// The snapshot file is stamped with the last journaled event, which is the
// final snapshot itself, so it lines up with the end of the WAL.
func (s *Session) finish() (schema.PortfolioSnapshot, error) {
	ctx := context.Background()
	idle, cancel := context.WithTimeout(ctx, time.Second)
	_ = s.bus.WaitIdle(idle)
	cancel()

	final, err := s.tracker.EmitFinal(ctx, s.lastEvent())
	if err != nil {
		err = errors.Wrap(err, "emit final snapshot")
	}
	s.shutdown()

	if s.cfg.Recorder.SnapshotOnClose && s.cfg.Recorder.SnapshotPath != "" {
		end := s.lastEvent()
		werr := portfolio.WriteSnapshot(s.cfg.Recorder.SnapshotPath, portfolio.SnapshotFile{
			LastEventID: end.ID,
			LastEventTs: end.Timestamp,
			Snapshot:    final,
		})
		if werr != nil && err == nil {
			err = errors.Wrap(werr, "write snapshot")
		}
	}

	logs.Infof("live session %s stopped: %d events, %d fills, equity %s",
		s.id, s.journal.Len(), final.FillCount, final.Equity)
	return final, err
}

func (s *Session) lastEvent() schema.Event {
	events := s.journal.Events()
	if len(events) == 0 {
		return schema.Event{}
	}
	return events[len(events)-1]
}

func (s *Session) shutdown() {
	s.bus.Close()
	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			logs.Errorf("live session %s: close wal, err: %+v", s.id, err)
		}
	}
	if s.storeSink != nil {
		s.storeSink.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.prom != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.prom.Shutdown(ctx)
		cancel()
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Journal exposes the session's event table.
func (s *Session) Journal() *bus.Journal { return s.journal }

// Metrics exposes the session counters.
func (s *Session) Metrics() *obs.Metrics { return s.metrics }

// Ingester exposes the feed counters.
func (s *Session) Ingester() *feed.Ingester { return s.ingest }
