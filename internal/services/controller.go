package services

import (
	"context"

	"sitesafe/internal/alerts"
	"sitesafe/internal/telegram"
)

// Controller exposes the control plane to the Telegram command handler.
type Controller struct {
	Stream    *StreamImplementation
	Geofence  *GeofenceImplementation
	Reports   *ReportImplementation
	Snapshots func() []byte
}

// Status implements telegram.Controller.
func (c *Controller) Status() telegram.SystemStatus {
	st, _ := c.Stream.Status(context.Background())
	return telegram.SystemStatus{
		Streaming:       st.Streaming,
		GeofenceEnabled: st.GeofenceEnabled,
		Zones:           st.ZonesCount,
		Listeners:       st.Listeners,
	}
}

// StartStream implements telegram.Controller.
func (c *Controller) StartStream(ctx context.Context) string {
	res, err := c.Stream.Start(ctx)
	if err != nil {
		return err.Error()
	}
	if res.Detail != "" {
		return res.Status + ": " + res.Detail
	}
	return res.Status
}

// StopStream implements telegram.Controller.
func (c *Controller) StopStream() string {
	res, _ := c.Stream.Stop(context.Background())
	return res.Status
}

// SetGeofence implements telegram.Controller.
func (c *Controller) SetGeofence(enabled bool) error {
	return c.Geofence.SetEnabled(enabled)
}

// Report implements telegram.Controller.
func (c *Controller) Report(ctx context.Context) (alerts.Report, error) {
	report, _ := c.Reports.Build(ctx)
	return report, nil
}

// Snapshot implements telegram.Controller.
func (c *Controller) Snapshot() []byte {
	if c.Snapshots == nil {
		return nil
	}
	return c.Snapshots()
}

var _ telegram.Controller = (*Controller)(nil)
