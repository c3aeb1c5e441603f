package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/errors"
	"tradecore/internal/obs"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Handler consumes one delivered event. A returned error is reported to the
// sink and never retried.
type Handler func(ctx context.Context, e schema.Event) error

// Bus routes typed events from publishers to subscribers.
type Bus interface {
	// Publish validates, stamps and routes e. The stamped event is returned.
	Publish(ctx context.Context, e schema.Event) (schema.Event, error)
	// Subscribe registers h for one event type. Handlers of the same type run
	// in registration order.
	Subscribe(name string, t schema.EventType, h Handler)
	Close()
}

// On subscribes a handler that receives the payload already asserted to T.
func On[T schema.Payload](b Bus, name string, fn func(ctx context.Context, e schema.Event, p T) error) {
	var zero T
	b.Subscribe(name, zero.EventType(), func(ctx context.Context, e schema.Event) error {
		p, ok := e.Payload.(T)
		if !ok {
			return errors.Wrapf(exception.ErrMalformedEvent, "%s: payload %T, want %T", e.Type, e.Payload, zero)
		}
		return fn(ctx, e, p)
	})
}

// Config is shared by both bus implementations.
type Config struct {
	Journal *Journal
	Sink    obs.Sink
	Metrics *obs.Metrics
	// QueueSize bounds each subscriber queue of the async bus.
	QueueSize int
	Overflow  OverflowPolicy
}

const defaultQueueSize = 1024

func (c Config) withDefaults() Config {
	if c.Journal == nil {
		c.Journal = NewJournal()
	}
	if c.Sink == nil {
		c.Sink = obs.LogSink{}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Overflow == OverflowUnknown {
		c.Overflow = OverflowBlock
	}
	return c
}

type subscriber struct {
	name    string
	handler Handler
}

// core holds the validation, stamping and dispatch logic shared by buses.
type core struct {
	cfg     Config
	seq     *obs.Sequence
	stampMu sync.Mutex
}

func newCore(cfg Config) *core {
	cfg = cfg.withDefaults()
	return &core{cfg: cfg, seq: obs.NewSequence(0)}
}

// Journal exposes the session journal.
func (c *core) Journal() *Journal { return c.cfg.Journal }

// stamp validates e, assigns the next id and journals it.
func (c *core) stamp(ctx context.Context, e schema.Event) (schema.Event, error) {
	c.stampMu.Lock()
	defer c.stampMu.Unlock()

	if err := c.validate(e); err != nil {
		wrapped := errors.Wrap(exception.ErrMalformedEvent, err.Error())
		c.cfg.Sink.OnFault(ctx, obs.Fault{
			Kind:      obs.FaultMalformedEvent,
			Component: "bus",
			EventID:   e.CausationID,
			Symbol:    e.Symbol,
			Err:       wrapped,
		})
		return schema.Event{}, wrapped
	}
	e.ID = c.seq.Next()
	if err := c.cfg.Journal.Append(e); err != nil {
		return schema.Event{}, errors.Wrap(exception.ErrMalformedEvent, err.Error())
	}
	return e, nil
}

func (c *core) validate(e schema.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.CausationID == 0 {
		return nil
	}
	if _, ok := c.cfg.Journal.Get(e.CausationID); !ok {
		return fmt.Errorf("%s: causation %d was never published", e.Type, e.CausationID)
	}
	return nil
}

// invoke runs one handler, converting errors and panics into faults.
func (c *core) invoke(ctx context.Context, sub subscriber, e schema.Event) {
	start := time.Now()
	defer func() {
		c.cfg.Metrics.ObserveHandler(time.Since(start))
		if r := recover(); r != nil {
			c.handlerFault(ctx, sub.name, e, errors.Wrapf(exception.ErrHandlerPanic, "%v", r))
		}
	}()
	if err := sub.handler(ctx, e); err != nil {
		c.handlerFault(ctx, sub.name, e, err)
	}
}

func (c *core) handlerFault(ctx context.Context, name string, e schema.Event, err error) {
	kind := obs.FaultHandlerFailed
	if errors.Is(err, exception.ErrDuplicateEvent) {
		kind = obs.FaultDuplicateEvent
	}
	c.cfg.Sink.OnFault(ctx, obs.Fault{
		Kind:      kind,
		Component: name,
		EventID:   e.ID,
		Symbol:    e.Symbol,
		Err:       err,
	})
}
