package pipeline

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"sitesafe/internal/geofence"
)

// Lifecycle is the pipeline's run state.
type Lifecycle int

const (
	Stopped Lifecycle = iota
	Starting
	Running
)

func (l Lifecycle) String() string {
	switch l {
	case Starting:
		return "starting"
	case Running:
		return "running"
	}
	return "stopped"
}

// StreamState is the shared control state read by the frame loop every
// iteration and written by control endpoints. Zones carry a version so
// readers can cache derived structures.
type StreamState struct {
	mu              sync.RWMutex
	lifecycle       Lifecycle
	active          bool
	geofenceEnabled bool
	zones           []geofence.Zone
	version         uint64
}

// NewStreamState creates the state with an initial zone list. Invalid zones
// are kept so operators can see and delete them; evaluation skips them.
func NewStreamState(zones []geofence.Zone) *StreamState {
	return &StreamState{zones: append([]geofence.Zone(nil), zones...)}
}

// Active reports streaming_active.
func (s *StreamState) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Lifecycle returns the current run state.
func (s *StreamState) Lifecycle() Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle
}

func (s *StreamState) setLifecycle(l Lifecycle, active bool) {
	s.mu.Lock()
	s.lifecycle = l
	s.active = active
	s.mu.Unlock()
}

// beginStart moves Stopped to Starting. It fails if a stream is already
// starting or running.
func (s *StreamState) beginStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != Stopped {
		return false
	}
	s.lifecycle = Starting
	return true
}

// requestStop clears streaming_active; the loop notices on its next pass.
func (s *StreamState) requestStop() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// GeofenceEnabled reports whether zone rules run.
func (s *StreamState) GeofenceEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.geofenceEnabled
}

// SetGeofenceEnabled toggles zone rules.
func (s *StreamState) SetGeofenceEnabled(enabled bool) {
	s.mu.Lock()
	s.geofenceEnabled = enabled
	s.mu.Unlock()
}

// Zones returns a copy of the zone list and its version.
func (s *StreamState) Zones() ([]geofence.Zone, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]geofence.Zone(nil), s.zones...), s.version
}

// ZoneCount returns the number of configured zones.
func (s *StreamState) ZoneCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.zones)
}

// AddZone validates and appends a zone. Names are unique.
func (s *StreamState) AddZone(z geofence.Zone) error {
	z = z.WithDefaults()
	if err := z.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lo.ContainsBy(s.zones, func(existing geofence.Zone) bool { return existing.Name == z.Name }) {
		return fmt.Errorf("%w: %s", geofence.ErrZoneExists, z.Name)
	}
	s.zones = append(s.zones, z)
	s.version++
	return nil
}

// RemoveZone deletes a zone by name.
func (s *StreamState) RemoveZone(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.zones)
	s.zones = lo.Reject(s.zones, func(z geofence.Zone, _ int) bool { return z.Name == name })
	if len(s.zones) == before {
		return false
	}
	s.version++
	return true
}

// ClearZones removes every zone.
func (s *StreamState) ClearZones() {
	s.mu.Lock()
	s.zones = nil
	s.version++
	s.mu.Unlock()
}

// SetZoneRules replaces a zone's restricted classes; nil restores defaults.
func (s *StreamState) SetZoneRules(name string, classes []string) (geofence.Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.zones {
		if s.zones[i].Name == name {
			s.zones[i].RestrictedClasses = append([]string(nil), classes...)
			s.version++
			return s.zones[i], nil
		}
	}
	return geofence.Zone{}, fmt.Errorf("%w: %s", geofence.ErrZoneNotFound, name)
}
