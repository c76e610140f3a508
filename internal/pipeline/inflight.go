package pipeline

import "sync"

// InFlight is the set of handles currently owned by an analysis task.
// TryAdd is the only way in, so membership is claimed atomically.
type InFlight struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{set: make(map[string]struct{})}
}

// TryAdd claims handle and reports whether it was free.
func (s *InFlight) TryAdd(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[handle]; ok {
		return false
	}
	s.set[handle] = struct{}{}
	return true
}

func (s *InFlight) Remove(handle string) {
	s.mu.Lock()
	delete(s.set, handle)
	s.mu.Unlock()
}

func (s *InFlight) Contains(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[handle]
	return ok
}

func (s *InFlight) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}
