package obs

import "sync/atomic"

// Sequence hands out strictly increasing identifiers. Unlike a wall-clock
// seed, a zero start makes the sequence identical across replays.
type Sequence struct {
	last uint64
}

// NewSequence returns a sequence whose first Next() is start+1.
func NewSequence(start uint64) *Sequence {
	return &Sequence{last: start}
}

// Next returns the next identifier.
func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return atomic.AddUint64(&s.last, 1)
}

// Last returns the most recently issued identifier.
func (s *Sequence) Last() uint64 {
	if s == nil {
		return 0
	}
	return atomic.LoadUint64(&s.last)
}
