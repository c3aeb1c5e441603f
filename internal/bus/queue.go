package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tradecore/internal/schema"
)

var ErrQueueClosed = errors.New("event queue closed")

// OverflowPolicy decides what an admitted event does when a queue is full.
type OverflowPolicy uint8

const (
	OverflowUnknown OverflowPolicy = iota
	// OverflowBlock waits for space.
	OverflowBlock
	// OverflowDropOldest evicts the oldest queued market tick to make room
	// for a new tick. Other event types still wait.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

func (p OverflowPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *OverflowPolicy) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "block", "":
		*p = OverflowBlock
	case "drop_oldest":
		*p = OverflowDropOldest
	default:
		return fmt.Errorf("unknown overflow policy: %q", string(b))
	}
	return nil
}

// Queue is a bounded FIFO with a single consumer. Capacity only applies to
// admitted events, which reserve a slot before they are stamped; events
// derived inside handlers are pushed without a reservation and never wait.
type Queue struct {
	mu       sync.Mutex
	items    []schema.Event
	capacity int
	reserved int
	busy     bool
	closed   bool
	changed  chan struct{}
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity, changed: make(chan struct{})}
}

// Reserve claims a slot for an admitted event of type t. When a tick is
// evicted under OverflowDropOldest it is returned with dropped=true.
func (q *Queue) Reserve(ctx context.Context, policy OverflowPolicy, t schema.EventType) (evicted schema.Event, dropped bool, err error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return schema.Event{}, false, ErrQueueClosed
		}
		if len(q.items)+q.reserved < q.capacity {
			q.reserved++
			q.mu.Unlock()
			return schema.Event{}, false, nil
		}
		if policy == OverflowDropOldest && t == schema.EventMarketTick {
			if idx := q.oldestTick(); idx >= 0 {
				evicted = q.items[idx]
				q.items = append(q.items[:idx], q.items[idx+1:]...)
				q.reserved++
				q.mu.Unlock()
				return evicted, true, nil
			}
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return schema.Event{}, false, ctx.Err()
		case <-wait:
		}
	}
}

// Release gives back an unused reservation.
func (q *Queue) Release() {
	q.mu.Lock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.signal()
	q.mu.Unlock()
}

// Push appends e, consuming a reservation when reserved is set.
func (q *Queue) Push(e schema.Event, reserved bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if reserved && q.reserved > 0 {
		q.reserved--
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, e)
	q.signal()
	return nil
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Idle reports whether nothing is queued, reserved or being handled.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.reserved == 0 && !q.busy
}

// Close stops the queue from accepting new events. Queued events are still
// handed to Run.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
	q.mu.Unlock()
}

// Run consumes events until the context is done or the queue is closed and
// empty.
func (q *Queue) Run(ctx context.Context, handler func(schema.Event)) {
	for {
		q.mu.Lock()
		if q.busy {
			q.busy = false
			q.signal()
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = schema.Event{}
			q.items = q.items[1:]
			q.busy = true
			q.signal()
			q.mu.Unlock()
			handler(e)
			continue
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-wait:
		}
	}
}

func (q *Queue) oldestTick() int {
	for i, e := range q.items {
		if e.Type == schema.EventMarketTick {
			return i
		}
	}
	return -1
}

// signal wakes every waiter. Callers hold q.mu.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}
