package bus

import (
	"context"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// SyncBus delivers events on the publishing goroutine. Events published by
// handlers are queued and drained in FIFO order before the outermost
// Publish returns, so a source event is processed end to end before the
// caller reads the next one. It is not safe for concurrent publishers.
type SyncBus struct {
	*core
	subs     [schema.EventTypeCount][]subscriber
	pending  []schema.Event
	draining bool
	closed   bool
}

var _ Bus = (*SyncBus)(nil)

// NewSync creates a synchronous bus for replay.
func NewSync(cfg Config) *SyncBus {
	return &SyncBus{core: newCore(cfg)}
}

func (b *SyncBus) Subscribe(name string, t schema.EventType, h Handler) {
	if !t.Valid() || h == nil {
		return
	}
	b.subs[t] = append(b.subs[t], subscriber{name: name, handler: h})
}

func (b *SyncBus) Publish(ctx context.Context, e schema.Event) (schema.Event, error) {
	if b.closed {
		return schema.Event{}, exception.ErrBusClosed
	}
	stamped, err := b.stamp(ctx, e)
	if err != nil {
		return schema.Event{}, err
	}
	b.pending = append(b.pending, stamped)
	if b.draining {
		return stamped, nil
	}

	b.draining = true
	defer func() { b.draining = false }()
	for len(b.pending) > 0 {
		next := b.pending[0]
		b.pending[0] = schema.Event{}
		b.pending = b.pending[1:]
		b.deliver(ctx, next)
	}
	b.pending = nil
	return stamped, nil
}

func (b *SyncBus) deliver(ctx context.Context, e schema.Event) {
	b.cfg.Sink.OnEvent(ctx, e)
	for _, sub := range b.subs[e.Type] {
		b.invoke(ctx, sub, e)
	}
}

func (b *SyncBus) Close() {
	b.closed = true
}
