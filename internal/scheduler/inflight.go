package scheduler

import "sync"

// InFlight tracks identifiers currently being processed, so concurrent
// duplicates of the same protocol message are rejected before they reach the
// database uniqueness check.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{ids: map[string]struct{}{}}
}

// Add claims the id. Returns false if it is already in flight.
func (f *InFlight) Add(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; ok {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *InFlight) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}
