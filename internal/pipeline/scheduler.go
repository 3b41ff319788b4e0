package pipeline

import (
	"sync"
	"time"
)

// DefaultInferInterval caps model calls at roughly 16 per second.
const DefaultInferInterval = 60 * time.Millisecond

// Scheduler rate-limits detection model calls independently of the capture
// rate and refuses a new call while one is still in flight.
type Scheduler struct {
	minInterval time.Duration
	last        time.Time
	busy        bool
	mu          sync.Mutex
}

// NewScheduler creates a scheduler; zero means the default interval.
func NewScheduler(minInterval time.Duration) *Scheduler {
	if minInterval <= 0 {
		minInterval = DefaultInferInterval
	}
	return &Scheduler{minInterval: minInterval}
}

// ShouldInfer reports whether a model call may start at now.
func (s *Scheduler) ShouldInfer(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy && (s.last.IsZero() || now.Sub(s.last) >= s.minInterval)
}

// Begin marks a call as in flight. It returns false if one already is.
func (s *Scheduler) Begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// MarkInferred records a finished call and clears the busy flag.
func (s *Scheduler) MarkInferred(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = now
	s.busy = false
}

// Reset forgets the last call.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = time.Time{}
	s.busy = false
}
