package database

import (
	"encoding/json"
	"fmt"
	"time"

	"sitesafe/internal/geofence"
)

// SaveZone inserts or replaces a zone.
func (d *Database) SaveZone(z geofence.Zone) error {
	points, err := json.Marshal(z.Points)
	if err != nil {
		return fmt.Errorf("failed to marshal points: %w", err)
	}
	color, err := json.Marshal(z.Color)
	if err != nil {
		return fmt.Errorf("failed to marshal color: %w", err)
	}
	var restricted []byte
	if z.RestrictedClasses != nil {
		if restricted, err = json.Marshal(z.RestrictedClasses); err != nil {
			return fmt.Errorf("failed to marshal restricted classes: %w", err)
		}
	}

	query := `INSERT INTO zones (name, points, color, alpha, restricted_classes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			points = excluded.points,
			color = excluded.color,
			alpha = excluded.alpha,
			restricted_classes = excluded.restricted_classes`

	_, err = d.exec(query, z.Name, string(points), string(color), z.Alpha, nullString(restricted), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save zone: %w", err)
	}
	return nil
}

// ListZones returns zones in creation order.
func (d *Database) ListZones() ([]geofence.Zone, error) {
	rows, err := d.query(`SELECT name, points, color, alpha, restricted_classes
		FROM zones ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer rows.Close()

	var zones []geofence.Zone
	for rows.Next() {
		var (
			z             geofence.Zone
			points, color string
			restricted    *string
		)
		if err := rows.Scan(&z.Name, &points, &color, &z.Alpha, &restricted); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		if err := json.Unmarshal([]byte(points), &z.Points); err != nil {
			return nil, fmt.Errorf("zone %q: failed to unmarshal points: %w", z.Name, err)
		}
		if err := json.Unmarshal([]byte(color), &z.Color); err != nil {
			return nil, fmt.Errorf("zone %q: failed to unmarshal color: %w", z.Name, err)
		}
		if restricted != nil && *restricted != "" {
			if err := json.Unmarshal([]byte(*restricted), &z.RestrictedClasses); err != nil {
				return nil, fmt.Errorf("zone %q: failed to unmarshal restricted classes: %w", z.Name, err)
			}
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// DeleteZone removes a zone by name.
func (d *Database) DeleteZone(name string) error {
	if _, err := d.exec("DELETE FROM zones WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete zone: %w", err)
	}
	return nil
}

// ClearZones removes every zone.
func (d *Database) ClearZones() error {
	if _, err := d.exec("DELETE FROM zones"); err != nil {
		return fmt.Errorf("failed to clear zones: %w", err)
	}
	return nil
}

func nullString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
