package bus

import (
	"fmt"
	"sync"

	"tradecore/internal/schema"
)

// Journal is the append-only event table of a session. The bus appends
// every accepted event; everything else only reads.
type Journal struct {
	mu     sync.RWMutex
	events []schema.Event
	index  map[uint64]int
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{index: make(map[uint64]int)}
}

// Append stores an event. Ids must be strictly increasing.
func (j *Journal) Append(e schema.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n := len(j.events); n > 0 && e.ID <= j.events[n-1].ID {
		return fmt.Errorf("journal: id %d not after %d", e.ID, j.events[n-1].ID)
	}
	j.index[e.ID] = len(j.events)
	j.events = append(j.events, e)
	return nil
}

// Get looks up an event by id.
func (j *Journal) Get(id uint64) (schema.Event, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	idx, ok := j.index[id]
	if !ok {
		return schema.Event{}, false
	}
	return j.events[idx], true
}

// Len returns the number of stored events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

// Events returns a copy of all events in id order.
func (j *Journal) Events() []schema.Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]schema.Event(nil), j.events...)
}

// Chain returns the causal chain ending at id, source event first.
func (j *Journal) Chain(id uint64) ([]schema.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var chain []schema.Event
	for cur := id; cur != 0; {
		idx, ok := j.index[cur]
		if !ok {
			return nil, fmt.Errorf("journal: event %d not found", cur)
		}
		e := j.events[idx]
		chain = append(chain, e)
		if e.CausationID >= e.ID {
			return nil, fmt.Errorf("journal: event %d caused by later event %d", e.ID, e.CausationID)
		}
		cur = e.CausationID
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain, nil
}
