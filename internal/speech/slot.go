package speech

import "sync"

// speakerSlot tracks which utterance currently owns the speaker. Each acquire
// hands out a fresh token; only the current owner's completion is honored.
type speakerSlot struct {
	mu    sync.Mutex
	next  uint64
	owner uint64
}

// acquire preempts any current owner and returns the new owner's token, plus
// whether a previous owner was preempted.
func (s *speakerSlot) acquire() (token uint64, preempted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	preempted = s.owner != 0
	s.next++
	s.owner = s.next
	return s.owner, preempted
}

// release frees the slot if token still owns it.
func (s *speakerSlot) release(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == 0 || token != s.owner {
		return false
	}
	s.owner = 0
	return true
}

// clear frees the slot without signaling anyone.
func (s *speakerSlot) clear() {
	s.mu.Lock()
	s.owner = 0
	s.mu.Unlock()
}

func (s *speakerSlot) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != 0
}
