package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

// SinkConfig controls batching of persisted events.
type SinkConfig struct {
	Session       string        `mapstructure:"session"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	return c
}

// Sink writes published events to the store from a background goroutine.
// Market ticks are dropped and counted as persistence faults when the queue
// is full. Every other event waits for room until ctx is done.
type Sink struct {
	store   *Store
	cfg     SinkConfig
	metrics *obs.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan schema.Event
	done   chan struct{}
	start  sync.Once

	written uint64
	failed  uint64
}

// NewSink returns an unstarted sink for one session.
func NewSink(s *Store, cfg SinkConfig, metrics *obs.Metrics) (*Sink, error) {
	if s == nil {
		return nil, errors.New("store sink: nil store")
	}
	if cfg.Session == "" {
		return nil, errors.New("store sink: empty session")
	}
	cfg = cfg.withDefaults()
	return &Sink{
		store:   s,
		cfg:     cfg,
		metrics: metrics,
		queue:   make(chan schema.Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the flush loop. The loop drains the queue and exits after
// Close, even when ctx is already done.
func (s *Sink) Start(ctx context.Context) {
	s.start.Do(func() {
		go s.run(context.WithoutCancel(ctx))
	})
}

// Close stops accepting events and waits for the final flush. Events queued
// before Start are flushed too.
func (s *Sink) Close() {
	s.Start(context.Background())
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Sink) OnEvent(ctx context.Context, e schema.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.fail(1, errors.New("store sink closed"))
		return
	}
	select {
	case s.queue <- e:
		return
	default:
	}
	if e.Type == schema.EventMarketTick {
		s.fail(1, errors.New("store queue full"))
		return
	}
	select {
	case s.queue <- e:
	case <-ctx.Done():
		s.fail(1, errors.Wrapf(ctx.Err(), "store queue full, %s #%d lost", e.Type, e.ID))
	}
}

func (s *Sink) OnFault(context.Context, obs.Fault) {}

// Written returns how many events reached the store.
func (s *Sink) Written() uint64 { return atomic.LoadUint64(&s.written) }

// Failed returns how many events could not be stored.
func (s *Sink) Failed() uint64 { return atomic.LoadUint64(&s.failed) }

func (s *Sink) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]schema.Event, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.store.Append(ctx, s.cfg.Session, batch...); err != nil {
			s.fail(len(batch), err)
		} else {
			atomic.AddUint64(&s.written, uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) fail(n int, err error) {
	if atomic.AddUint64(&s.failed, uint64(n)) == uint64(n) {
		logs.Errorf("store session %s: persist %d events failed, err: %+v", s.cfg.Session, n, err)
	}
	for i := 0; i < n; i++ {
		s.metrics.IncFault(obs.FaultPersistence)
	}
}
