package pipeline

import (
	"sync"
	"time"

	"sitesafe/internal/detection"
)

// DefaultStabilizerTTL bridges short detector dropouts.
const DefaultStabilizerTTL = 600 * time.Millisecond

// Stabilizer holds the last non-empty detection list for a short TTL so that
// a single empty inference does not make every box blink out.
type Stabilizer struct {
	ttl    time.Duration
	cached []detection.Detection
	at     time.Time
	mu     sync.Mutex
}

// NewStabilizer creates a stabilizer; zero means the default TTL.
func NewStabilizer(ttl time.Duration) *Stabilizer {
	if ttl <= 0 {
		ttl = DefaultStabilizerTTL
	}
	return &Stabilizer{ttl: ttl}
}

// Stabilize caches non-empty input and returns it unchanged. For empty input
// it returns the cached list while younger than the TTL, otherwise it clears
// the cache and returns nil.
func (s *Stabilizer) Stabilize(dets []detection.Detection, now time.Time) []detection.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(dets) > 0 {
		s.cached = dets
		s.at = now
		return dets
	}
	if s.cached != nil && now.Sub(s.at) < s.ttl {
		return s.cached
	}
	s.cached = nil
	return nil
}

// Reset clears the cache.
func (s *Stabilizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.at = time.Time{}
}
