package services

import (
	"context"
	"errors"
	"time"

	"sitesafe/internal/pipeline"
)

// Stream status strings returned by Start and Stop.
const (
	StatusStarted        = "streaming started"
	StatusStopped        = "streaming stopped"
	StatusAlreadyRunning = "already streaming"
	StatusCameraError    = "camera_error"
)

// Streamer is the part of the pipeline the control plane drives.
type Streamer interface {
	Start(ctx context.Context) error
	Stop()
	State() *pipeline.StreamState
}

// StreamResult is the answer to a start or stop request.
type StreamResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StreamStatus summarizes the running system.
type StreamStatus struct {
	Streaming       bool   `json:"streaming"`
	State           string `json:"state"`
	GeofenceEnabled bool   `json:"geofence_enabled"`
	ZonesCount      int    `json:"zones_count"`
	Listeners       int    `json:"listeners"`
	UptimeSeconds   int    `json:"uptime_seconds"`
}

// StreamImplementation starts and stops the frame loop
type StreamImplementation struct {
	streamer  Streamer
	listeners func() int
	startTime time.Time
}

// NewStreamService creates the stream service. listeners may be nil.
func NewStreamService(streamer Streamer, listeners func() int) *StreamImplementation {
	if listeners == nil {
		listeners = func() int { return 0 }
	}
	return &StreamImplementation{
		streamer:  streamer,
		listeners: listeners,
		startTime: time.Now(),
	}
}

// Start opens the camera and launches the loop. Camera failures are
// reported in the result, not as an error.
func (s *StreamImplementation) Start(ctx context.Context) (*StreamResult, error) {
	err := s.streamer.Start(ctx)
	var openErr *pipeline.OpenError
	switch {
	case err == nil:
		return &StreamResult{Status: StatusStarted}, nil
	case errors.Is(err, pipeline.ErrAlreadyStreaming):
		return &StreamResult{Status: StatusAlreadyRunning}, nil
	case errors.As(err, &openErr):
		return &StreamResult{Status: StatusCameraError, Detail: openErr.Err.Error()}, nil
	}
	return nil, err
}

// Stop ends the loop and waits for the camera to be released.
func (s *StreamImplementation) Stop(ctx context.Context) (*StreamResult, error) {
	s.streamer.Stop()
	return &StreamResult{Status: StatusStopped}, nil
}

// Streaming reports whether the frame loop is live.
func (s *StreamImplementation) Streaming() bool {
	return s.streamer.State().Lifecycle() != pipeline.Stopped
}

// Status returns the current system status
func (s *StreamImplementation) Status(ctx context.Context) (*StreamStatus, error) {
	state := s.streamer.State()
	lifecycle := state.Lifecycle()
	return &StreamStatus{
		Streaming:       lifecycle != pipeline.Stopped,
		State:           lifecycle.String(),
		GeofenceEnabled: state.GeofenceEnabled(),
		ZonesCount:      state.ZoneCount(),
		Listeners:       s.listeners(),
		UptimeSeconds:   int(time.Since(s.startTime).Seconds()),
	}, nil
}
