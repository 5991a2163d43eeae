package supervisor

import (
	"sync"

	"github.com/loykin/tunnelpanel/internal/process"
)

// Slot holds the single supervised tunnel process. Each occupant gets a new
// generation number; asynchronous callbacks clear the slot only through
// ClearIf with the generation they were started under, so a superseded
// handle can never remove its successor.
type Slot struct {
	mu   sync.Mutex
	cur  process.Process
	gen  uint64
	next uint64
}

// Install places p in the slot. It fails with ErrAlreadyRunning while a live
// occupant exists; a dead occupant is replaced.
func (s *Slot) Install(p process.Process) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Alive() {
		return 0, ErrAlreadyRunning
	}
	s.next++
	s.cur, s.gen = p, s.next
	return s.gen, nil
}

// Current returns the occupant and its generation, or nil and 0.
func (s *Slot) Current() (process.Process, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil, 0
	}
	return s.cur, s.gen
}

// Live returns the occupant only while it is alive.
func (s *Slot) Live() process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Alive() {
		return s.cur
	}
	return nil
}

// Owns reports whether gen is the current occupant's generation.
func (s *Slot) Owns(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.gen == gen
}

// ClearIf empties the slot when gen still matches and reports whether it did.
func (s *Slot) ClearIf(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.gen != gen {
		return false
	}
	s.cur, s.gen = nil, 0
	return true
}

// Take detaches and returns the occupant unconditionally.
func (s *Slot) Take() (process.Process, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, gen := s.cur, s.gen
	s.cur, s.gen = nil, 0
	return p, gen
}
