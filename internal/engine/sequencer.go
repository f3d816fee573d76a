package engine

import "sync"

// sequencer hands out tickets in dispatch order and lets ticket holders pass
// a checkpoint one at a time, in ticket order.
//
// Target lookups run concurrently and finish in any order. Each task waits
// for its turn before it enqueues on its conversation queue, so enqueue
// order matches arrival order.
type sequencer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	next     uint64
	turn     uint64
	released map[uint64]struct{}
}

func newSequencer() *sequencer {
	s := &sequencer{released: make(map[uint64]struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// take issues the next ticket. Every ticket must be released exactly once.
func (s *sequencer) take() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.next
	s.next++
	return t
}

// await blocks until every earlier ticket has been released.
func (s *sequencer) await(t uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.turn < t {
		s.cond.Wait()
	}
}

// release marks t done. A ticket released before its turn is remembered
// until the earlier ones catch up.
func (s *sequencer) release(t uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[t] = struct{}{}
	for {
		if _, ok := s.released[s.turn]; !ok {
			break
		}
		delete(s.released, s.turn)
		s.turn++
	}
	s.cond.Broadcast()
}
