package testutils

import (
	"sync"
	"time"
)

// ManualScheduler implements link.Scheduler with timers that only fire when a test says so.
type ManualScheduler struct {
	mu     sync.Mutex
	timers []*ManualTimer
}

// ManualTimer is a timer created by ManualScheduler.
type ManualTimer struct {
	Delay time.Duration

	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	t := &ManualTimer{Delay: d, fn: fn}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return t.stop
}

// Timers returns every timer created so far, in creation order.
func (s *ManualScheduler) Timers() []*ManualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ManualTimer(nil), s.timers...)
}

// Pending returns the timers that were neither stopped nor fired.
func (s *ManualScheduler) Pending() []*ManualTimer {
	var out []*ManualTimer
	for _, t := range s.Timers() {
		if t.Pending() {
			out = append(out, t)
		}
	}
	return out
}

// FireAll fires every pending timer and returns how many fired.
func (s *ManualScheduler) FireAll() int {
	n := 0
	for _, t := range s.Pending() {
		t.Fire()
		n++
	}
	return n
}

// Last returns the most recently created timer, or nil.
func (s *ManualScheduler) Last() *ManualTimer {
	timers := s.Timers()
	if len(timers) == 0 {
		return nil
	}
	return timers[len(timers)-1]
}

// Fire runs the callback even if the timer was stopped, like a real timer
// whose callback was already in flight when Stop was called.
func (t *ManualTimer) Fire() {
	t.mu.Lock()
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

func (t *ManualTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

func (t *ManualTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *ManualTimer) stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
