// Package scheduler runs delayed tasks: outbound callback dispatch and
// settlement stage progression. A manual mode replaces wall-clock timers with
// a virtual clock so tests can fast-forward instead of sleeping.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

type task struct {
	due time.Time
	fn  func()
	seq int64
}

type Scheduler struct {
	mu     sync.Mutex
	manual bool
	now    time.Time
	queue  []task
	seq    int64
	wg     sync.WaitGroup
}

// New returns a scheduler backed by real timers.
func New() *Scheduler {
	return &Scheduler{}
}

// NewManual returns a scheduler driven by Advance instead of wall time.
func NewManual(start time.Time) *Scheduler {
	return &Scheduler{manual: true, now: start}
}

// Schedule runs fn once after delay. Scheduled tasks are not cancellable.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}
	if !s.manual {
		s.wg.Add(1)
		time.AfterFunc(delay, func() {
			defer s.wg.Done()
			fn()
		})
		return
	}
	s.mu.Lock()
	s.seq++
	s.queue = append(s.queue, task{due: s.now.Add(delay), fn: fn, seq: s.seq})
	s.mu.Unlock()
}

// Advance moves the virtual clock forward and runs every task that becomes
// due, in due-time order. Tasks scheduled by running tasks are picked up in
// the same pass when they fall inside the advanced window.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	if !s.manual {
		s.mu.Unlock()
		return
	}
	s.now = s.now.Add(d)
	target := s.now
	s.mu.Unlock()

	for {
		next, ok := s.popDue(target)
		if !ok {
			return
		}
		next()
	}
}

func (s *Scheduler) popDue(target time.Time) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].due.Equal(s.queue[j].due) {
			return s.queue[i].seq < s.queue[j].seq
		}
		return s.queue[i].due.Before(s.queue[j].due)
	})
	if s.queue[0].due.After(target) {
		return nil, false
	}
	fn := s.queue[0].fn
	s.queue = s.queue[1:]
	return fn, true
}

// Pending returns the number of queued tasks (manual mode).
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Wait blocks until all timer-backed tasks have finished (real mode).
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
