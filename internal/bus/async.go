package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/errors"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// AsyncBus gives every subscriber its own bounded queue and goroutine.
//
// Stamping and enqueueing happen under one lock, so every subscriber sees
// events in id order and a cause is always queued before its effects.
// Backpressure applies to source events published from outside; events
// derived inside handlers are enqueued without waiting, otherwise a full
// queue whose consumer is publishing could never drain.
type AsyncBus struct {
	*core

	publishMu sync.Mutex

	mu      sync.RWMutex
	members map[string]*member
	routes  [schema.EventTypeCount][]*member
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closing atomic.Bool
	closed  atomic.Bool
}

type member struct {
	name     string
	queue    *Queue
	handlers [schema.EventTypeCount][]Handler
}

var _ Bus = (*AsyncBus)(nil)

// NewAsync creates a live bus. Call Start before publishing.
func NewAsync(cfg Config) *AsyncBus {
	return &AsyncBus{
		core:    newCore(cfg),
		members: make(map[string]*member),
	}
}

func (b *AsyncBus) Subscribe(name string, t schema.EventType, h Handler) {
	if !t.Valid() || h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.members[name]
	if !ok {
		m = &member{name: name, queue: NewQueue(b.cfg.QueueSize)}
		b.members[name] = m
		if b.runCtx != nil {
			b.run(m)
		}
	}
	if len(m.handlers[t]) == 0 {
		b.routes[t] = append(b.routes[t], m)
	}
	m.handlers[t] = append(m.handlers[t], h)
}

// Start launches one consumer goroutine per subscriber.
func (b *AsyncBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx != nil {
		return exception.ErrBusStarted
	}
	b.runCtx, b.cancel = context.WithCancel(ctx)
	for _, m := range b.members {
		b.run(m)
	}
	return nil
}

// run starts the consumer of m. Callers hold b.mu.
func (b *AsyncBus) run(m *member) {
	ctx := b.runCtx
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		m.queue.Run(ctx, func(e schema.Event) {
			b.mu.RLock()
			handlers := m.handlers[e.Type]
			b.mu.RUnlock()
			for _, h := range handlers {
				b.invoke(ctx, subscriber{name: m.name, handler: h}, e)
			}
		})
	}()
}

func (b *AsyncBus) Publish(ctx context.Context, e schema.Event) (schema.Event, error) {
	if b.closed.Load() {
		return schema.Event{}, exception.ErrBusClosed
	}
	if e.CausationID != 0 || !e.Type.IsSource() {
		return b.publish(ctx, e, nil)
	}
	if b.closing.Load() {
		return schema.Event{}, exception.ErrBusClosed
	}

	b.mu.RLock()
	targets := append([]*member(nil), b.routes[e.Type]...)
	b.mu.RUnlock()

	admitted := make([]*member, 0, len(targets))
	for _, m := range targets {
		evicted, dropped, err := m.queue.Reserve(ctx, b.cfg.Overflow, e.Type)
		if err != nil {
			for _, r := range admitted {
				r.queue.Release()
			}
			if errors.Is(err, ErrQueueClosed) {
				return schema.Event{}, exception.ErrBusClosed
			}
			return schema.Event{}, errors.Wrap(exception.ErrBackpressure, err.Error())
		}
		if dropped {
			b.dropped(ctx, m.name, evicted)
		}
		admitted = append(admitted, m)
	}
	return b.publish(ctx, e, admitted)
}

// publish stamps e and enqueues it. A nil admitted list routes to the
// current subscribers without reservations.
func (b *AsyncBus) publish(ctx context.Context, e schema.Event, admitted []*member) (schema.Event, error) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	stamped, err := b.stamp(ctx, e)
	if err != nil {
		for _, m := range admitted {
			m.queue.Release()
		}
		return schema.Event{}, err
	}
	b.cfg.Sink.OnEvent(ctx, stamped)

	reserved := admitted != nil
	targets := admitted
	if !reserved {
		b.mu.RLock()
		targets = append([]*member(nil), b.routes[stamped.Type]...)
		b.mu.RUnlock()
	}
	for _, m := range targets {
		if err := m.queue.Push(stamped, reserved); err != nil {
			b.cfg.Metrics.IncQueueClosed()
		}
	}
	return stamped, nil
}

// dropped reports a tick evicted from a subscriber queue.
func (b *AsyncBus) dropped(ctx context.Context, subscriber string, evicted schema.Event) {
	b.cfg.Sink.OnFault(ctx, obs.Fault{
		Kind:      obs.FaultBackpressure,
		Component: subscriber,
		EventID:   evicted.ID,
		Symbol:    evicted.Symbol,
		Err:       exception.ErrBackpressure,
	})
	notice := schema.NewEvent(schema.Backpressure{
		Subscriber:  subscriber,
		DroppedID:   evicted.ID,
		DroppedType: evicted.Type,
	}, evicted.Symbol, evicted.Timestamp, 0)
	_, _ = b.publish(ctx, notice, nil)
}

// WaitIdle blocks until every queue is empty and no handler is running.
func (b *AsyncBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if b.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *AsyncBus) idle() bool {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.members {
		if !m.queue.Idle() {
			return false
		}
	}
	return true
}

// Close stops admitting source events, drains what is queued including
// derived events, then stops every consumer.
func (b *AsyncBus) Close() {
	if b.closing.Swap(true) {
		return
	}
	b.mu.RLock()
	runCtx := b.runCtx
	b.mu.RUnlock()
	if runCtx != nil {
		_ = b.WaitIdle(runCtx)
	}

	b.closed.Store(true)
	b.mu.RLock()
	for _, m := range b.members {
		m.queue.Close()
	}
	b.mu.RUnlock()
	b.wg.Wait()
	if b.cancel != nil {
		b.cancel()
	}
}
