package database

import (
	"database/sql"
	"fmt"
	"time"

	"sitesafe/internal/alerts"
)

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	Type  alerts.Type
	Since time.Time
	Limit int
}

// SaveAlert persists an alert record.
func (d *Database) SaveAlert(rec alerts.Record) error {
	query := `INSERT INTO alerts (id, type, message, zone, object, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := d.exec(query, rec.ID, string(rec.Type), rec.Message,
		nullIfEmpty(rec.Zone), nullIfEmpty(rec.Object), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts newest first.
func (d *Database) ListAlerts(f AlertFilter) ([]alerts.Record, error) {
	query := `SELECT id, type, message, zone, object, created_at FROM alerts WHERE 1=1`
	args := []any{}

	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []alerts.Record
	for rows.Next() {
		var (
			rec          alerts.Record
			typ          string
			zone, object sql.NullString
		)
		if err := rows.Scan(&rec.ID, &typ, &rec.Message, &zone, &object, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		rec.Type = alerts.Type(typ)
		rec.Zone = zone.String
		rec.Object = object.String
		rec.CreatedAt = rec.CreatedAt.Local()
		rec.Timestamp = rec.CreatedAt.Format(alerts.ClockFormat)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteAlertsBefore prunes old alerts.
func (d *Database) DeleteAlertsBefore(before time.Time) (int64, error) {
	result, err := d.exec("DELETE FROM alerts WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	return result.RowsAffected()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ alerts.Store = (*Database)(nil)
