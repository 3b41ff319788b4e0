// Package geofence evaluates detections against named restricted zones.
package geofence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"sitesafe/internal/geometry"
)

const DefaultAlpha = 0.3

// DefaultColor is red.
var DefaultColor = []int{255, 0, 0}

var (
	ErrEmptyName    = errors.New("zone name is required")
	ErrInvalidColor = errors.New("zone color must be three values in 0..255")
	ErrInvalidAlpha = errors.New("zone alpha must be within [0, 1]")
	ErrZoneExists   = errors.New("zone already exists")
	ErrZoneNotFound = errors.New("zone not found")
)

// Zone is a named polygon in frame pixel space. RestrictedClasses, when set,
// replaces the default restricted classes for this zone only.
type Zone struct {
	Name              string      `json:"name"`
	Points            [][]float64 `json:"points"`
	Color             []int       `json:"color"`
	Alpha             float64     `json:"alpha"`
	RestrictedClasses []string    `json:"restricted_classes,omitempty"`
}

// Polygon converts the wire points into a geometry polygon.
func (z Zone) Polygon() geometry.Polygon {
	return geometry.NewPolygon(z.Points)
}

// UnmarshalJSON applies DefaultAlpha when the alpha key is absent. An
// explicit 0 is kept and draws the outline only.
func (z *Zone) UnmarshalJSON(data []byte) error {
	type wireZone Zone
	w := wireZone{Alpha: DefaultAlpha}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*z = Zone(w)
	return nil
}

// WithDefaults fills in a missing color. Alpha defaults at decode time.
func (z Zone) WithDefaults() Zone {
	if len(z.Color) == 0 {
		z.Color = append([]int(nil), DefaultColor...)
	}
	return z
}

// Validate rejects zones that cannot be evaluated.
func (z Zone) Validate() error {
	if strings.TrimSpace(z.Name) == "" {
		return ErrEmptyName
	}
	for _, p := range z.Points {
		if len(p) != 2 {
			return fmt.Errorf("zone %q: point %v is not an [x, y] pair", z.Name, p)
		}
	}
	if err := z.Polygon().Validate(); err != nil {
		return fmt.Errorf("zone %q: %w", z.Name, err)
	}
	if len(z.Color) != 3 {
		return fmt.Errorf("zone %q: %w", z.Name, ErrInvalidColor)
	}
	for _, c := range z.Color {
		if c < 0 || c > 255 {
			return fmt.Errorf("zone %q: %w", z.Name, ErrInvalidColor)
		}
	}
	if z.Alpha < 0 || z.Alpha > 1 {
		return fmt.Errorf("zone %q: %w", z.Name, ErrInvalidAlpha)
	}
	return nil
}

// LoadZonesFile reads a JSON array of zones, e.g. a legacy zones.json.
// A missing file yields no zones and no error.
func LoadZonesFile(path string) ([]Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read zones file: %w", err)
	}

	var zones []Zone
	if err := json.Unmarshal(data, &zones); err != nil {
		return nil, fmt.Errorf("failed to parse zones file: %w", err)
	}
	for i := range zones {
		zones[i] = zones[i].WithDefaults()
	}
	return zones, nil
}
