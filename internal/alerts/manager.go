package alerts

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum spacing between alerts of the same key.
const DefaultCooldown = 15 * time.Second

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager gatekeeps alert generation. PPE alerts share one global key and
// geofence alerts are keyed by zone name. All reads and writes of the
// cooldown state happen under one mutex, so a check followed by a trigger in
// TryTrigger/TryTriggerZone cannot interleave with another frame's.
type Manager struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	lastPPE  time.Time
	lastZone map[string]time.Time
}

// NewManager creates a manager; a non-positive cooldown uses the default.
func NewManager(cooldown time.Duration, opts ...Option) *Manager {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	m := &Manager{
		cooldown: cooldown,
		now:      time.Now,
		lastZone: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cooldown returns the configured window.
func (m *Manager) Cooldown() time.Duration {
	return m.cooldown
}

// CanAlert reports whether the global PPE key is out of cooldown.
func (m *Manager) CanAlert() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed(m.lastPPE, m.now())
}

// CanAlertZone reports whether the zone key is out of cooldown.
func (m *Manager) CanAlertZone(zone string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed(m.lastZone[zone], m.now())
}

// Trigger records a PPE firing unconditionally and builds its record.
func (m *Manager) Trigger(message string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastPPE = now
	return newRecord(TypePPE, message, now)
}

// TriggerZone records a geofence firing unconditionally.
func (m *Manager) TriggerZone(zone, object string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastZone[zone] = now
	return zoneRecord(zone, object, now)
}

// TryTrigger fires a PPE alert only if the global key is out of cooldown.
func (m *Manager) TryTrigger(message string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.elapsed(m.lastPPE, now) {
		return Record{}, false
	}
	m.lastPPE = now
	return newRecord(TypePPE, message, now), true
}

// TryTriggerZone fires a geofence alert only if the zone is out of cooldown.
func (m *Manager) TryTriggerZone(zone, object string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.elapsed(m.lastZone[zone], now) {
		return Record{}, false
	}
	m.lastZone[zone] = now
	return zoneRecord(zone, object, now), true
}

// Reset clears every key. Called when a stream starts.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPPE = time.Time{}
	m.lastZone = make(map[string]time.Time)
}

// ForgetZone drops a zone key, e.g. after the zone is deleted.
func (m *Manager) ForgetZone(zone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastZone, zone)
}

func (m *Manager) elapsed(last, now time.Time) bool {
	return last.IsZero() || now.Sub(last) > m.cooldown
}

func zoneRecord(zone, object string, at time.Time) Record {
	r := newRecord(TypeGeofence, ZoneMessage(zone, object), at)
	r.Zone = zone
	r.Object = object
	return r
}
