// Package database persists zones, alerts, face embeddings and settings in
// SQLite or PostgreSQL.
package database

import (
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the backend.
type Config struct {
	Driver string `yaml:"driver" env:"DB_DRIVER"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn" env:"DB_DSN"`
}

// Database wraps a SQL connection pool. Queries are written with ?
// placeholders and rebound for postgres.
type Database struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured backend.
func Open(cfg Config) (*Database, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return openSQLite(cfg.DSN)
	case DriverPostgres:
		return openPostgres(cfg.DSN)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func openSQLite(path string) (*Database, error) {
	if path == "" {
		path = "sitesafe.db"
	}
	db, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return &Database{db: db, driver: DriverSQLite}, nil
}

func openPostgres(dsn string) (*Database, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Database{db: db, driver: DriverPostgres}, nil
}

// Driver returns the backend name.
func (d *Database) Driver() string {
	return d.driver
}

// Ping checks the connection.
func (d *Database) Ping() error {
	return d.db.Ping()
}

// Close closes the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate creates missing tables.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS zones (
			name TEXT PRIMARY KEY,
			points TEXT NOT NULL,
			color TEXT NOT NULL,
			alpha REAL NOT NULL,
			restricted_classes TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			zone TEXT,
			object TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS face_embeddings (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			embedding TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_time ON alerts(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_faces_worker ON face_embeddings(worker_id)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Printf("[Database] Migrations completed (%s)", d.driver)
	return nil
}

// rebind rewrites ? placeholders to $1, $2, ... for postgres.
func (d *Database) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) exec(query string, args ...any) (sql.Result, error) {
	return d.db.Exec(d.rebind(query), args...)
}

func (d *Database) query(query string, args ...any) (*sql.Rows, error) {
	return d.db.Query(d.rebind(query), args...)
}

func (d *Database) queryRow(query string, args ...any) *sql.Row {
	return d.db.QueryRow(d.rebind(query), args...)
}

// SaveConfig saves a setting.
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := d.exec(query, key, value); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig returns a setting, "" if unset.
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.queryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

// ListConfigs returns every setting.
func (d *Database) ListConfigs() (map[string]string, error) {
	rows, err := d.query("SELECT key, value FROM app_config")
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// DeleteConfig removes a setting.
func (d *Database) DeleteConfig(key string) error {
	if _, err := d.exec("DELETE FROM app_config WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	return nil
}
