// Package alerts owns alert cooldowns, alert records and the detection
// history log.
package alerts

import (
	"time"

	"github.com/google/uuid"
)

// Type distinguishes the rule engine that raised an alert.
type Type string

const (
	TypePPE      Type = "PPE"
	TypeGeofence Type = "GEOFENCE"
)

// ClockFormat is the wall-clock timestamp carried in alert payloads.
const ClockFormat = "15:04:05"

// Record is an immutable alert. Zone and Object are only set for geofence
// alerts.
type Record struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"`
	Zone      string    `json:"zone,omitempty"`
	Object    string    `json:"object,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newRecord(t Type, message string, at time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		Type:      t,
		Message:   message,
		Timestamp: at.Format(ClockFormat),
		CreatedAt: at,
	}
}

// ZoneMessage is the geofence alert text.
func ZoneMessage(zone, object string) string {
	return "Zone violation: " + object + " entered '" + zone + "'"
}
