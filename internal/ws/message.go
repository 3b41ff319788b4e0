package ws

import "sitesafe/internal/alerts"

// AlertMessage is the JSON pushed to /ws/alerts subscribers. Text and
// Description repeat Message for dashboards that read either field.
type AlertMessage struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // "PPE" or "GEOFENCE"
	Message     string `json:"message"`
	Text        string `json:"text"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"` // HH:MM:SS
	Zone        string `json:"zone,omitempty"`
	Object      string `json:"object,omitempty"`
}

// NewAlertMessage converts a record into its wire form.
func NewAlertMessage(rec alerts.Record) *AlertMessage {
	return &AlertMessage{
		ID:          rec.ID,
		Type:        string(rec.Type),
		Message:     rec.Message,
		Text:        rec.Message,
		Description: rec.Message,
		Timestamp:   rec.Timestamp,
		Zone:        rec.Zone,
		Object:      rec.Object,
	}
}

// StatusMessage is sent once when a client connects.
type StatusMessage struct {
	Type      string `json:"type"` // "status"
	Streaming bool   `json:"streaming"`
	Listeners int    `json:"listeners"`
}
