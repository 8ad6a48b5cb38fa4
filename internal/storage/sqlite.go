package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:drivewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway and :memory: needs a single conn
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, encodeTS: encodeText}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.runDDL(ctx, []string{
		`CREATE TABLE IF NOT EXISTS drivers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'inactive',
			online INTEGER NOT NULL DEFAULT 0,
			safety_score INTEGER NOT NULL DEFAULT 100,
			last_active_at TEXT,
			last_heartbeat_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_drivers_device ON drivers(device_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			driver_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			safety_score INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_driver_status ON sessions(driver_id, status)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			driver_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			mag_x REAL NOT NULL DEFAULT 0,
			mag_y REAL NOT NULL DEFAULT 0,
			mag_z REAL NOT NULL DEFAULT 0,
			event_count INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			description TEXT,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS raw_samples (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			mag_x REAL NOT NULL,
			mag_y REAL NOT NULL,
			mag_z REAL NOT NULL,
			event_type TEXT NOT NULL,
			event_count INTEGER NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_samples_session ON raw_samples(session_id)`,
	})
}
