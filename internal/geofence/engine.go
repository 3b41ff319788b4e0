package geofence

import (
	"log"

	"sitesafe/internal/detection"
	"sitesafe/internal/geometry"
)

// Violation is one restricted object standing inside one zone.
type Violation struct {
	Zone   string `json:"zone"`
	Object string `json:"object"`
}

type compiledZone struct {
	name    string
	polygon geometry.Polygon
	bounds  geometry.Box
}

// Engine holds a fixed zone list for one or more evaluation passes.
type Engine struct {
	zones   []compiledZone
	policy  Restriction
	skipped []string
}

// NewEngine validates zones once; zones that fail validation are logged and
// left out of every pass.
func NewEngine(zones []Zone, policy Restriction) *Engine {
	if policy == nil {
		policy = NewPolicy(DefaultRestrictedClasses, zones)
	}
	e := &Engine{policy: policy}
	for _, z := range zones {
		z = z.WithDefaults()
		if err := z.Validate(); err != nil {
			log.Printf("[Geofence] Skipping zone: %v", err)
			e.skipped = append(e.skipped, z.Name)
			continue
		}
		poly := z.Polygon()
		e.zones = append(e.zones, compiledZone{name: z.Name, polygon: poly, bounds: poly.Bounds()})
	}
	return e
}

// ZoneCount returns how many zones take part in evaluation.
func (e *Engine) ZoneCount() int {
	return len(e.zones)
}

// Skipped returns the names of zones rejected by validation.
func (e *Engine) Skipped() []string {
	return e.skipped
}

// Evaluate tests each detection's ground point against every zone.
func (e *Engine) Evaluate(dets []detection.Detection) []Violation {
	var violations []Violation
	for _, d := range dets {
		pt := geometry.GroundPoint(d.BBox)
		for _, z := range e.zones {
			if pt.X <= z.bounds.X1 || pt.X >= z.bounds.X2 || pt.Y <= z.bounds.Y1 || pt.Y >= z.bounds.Y2 {
				continue
			}
			if !z.polygon.Contains(pt) {
				continue
			}
			if e.policy.IsRestricted(z.name, d.Class) {
				violations = append(violations, Violation{Zone: z.name, Object: d.Class})
			}
		}
	}
	return violations
}
