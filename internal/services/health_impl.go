package services

import (
	"context"
	"time"

	"sitesafe/internal/pipeline"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping() error
}

// HealthChecker reports whether the inference backend can serve.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// HealthResult is the detailed health report.
type HealthResult struct {
	Status          string `json:"status"`
	Stream          string `json:"stream"`
	DetectorHealthy bool   `json:"detector_healthy"`
	Database        string `json:"database"`
}

// HealthImplementation implements the health service
type HealthImplementation struct {
	state    *pipeline.StreamState
	detector HealthChecker
	db       Pinger
}

// NewHealthService creates a new health service implementation. detector
// and db may be nil.
func NewHealthService(state *pipeline.StreamState, detector HealthChecker, db Pinger) *HealthImplementation {
	return &HealthImplementation{state: state, detector: detector, db: db}
}

// Healthz implements the liveness probe
func (h *HealthImplementation) Healthz(ctx context.Context) error {
	return nil
}

// Readyz fails while the database is unreachable.
func (h *HealthImplementation) Readyz(ctx context.Context) error {
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			return newError(ErrUnavailable, "database: %v", err)
		}
	}
	return nil
}

// Health reports pipeline state and dependency health. A missing detector
// degrades the status but does not fail the call.
func (h *HealthImplementation) Health(ctx context.Context) (*HealthResult, error) {
	res := &HealthResult{
		Status:   "ok",
		Stream:   h.state.Lifecycle().String(),
		Database: "not configured",
	}

	if h.detector != nil {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		res.DetectorHealthy = h.detector.IsHealthy(cctx)
		cancel()
		if !res.DetectorHealthy {
			res.Status = "degraded"
		}
	}
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			res.Database = "unreachable"
			res.Status = "degraded"
		} else {
			res.Database = "ok"
		}
	}
	return res, nil
}
