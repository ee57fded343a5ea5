package obs

import (
	"sync/atomic"
)

// Sequence hands out increasing cycle numbers for log correlation.
type Sequence struct {
	next uint64
}

// Next returns the next number, starting at 1. A nil sequence returns 0.
func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return atomic.AddUint64(&s.next, 1)
}

// Current returns the last number handed out.
func (s *Sequence) Current() uint64 {
	if s == nil {
		return 0
	}
	return atomic.LoadUint64(&s.next)
}
