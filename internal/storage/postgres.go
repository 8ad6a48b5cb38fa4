package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/drivewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.runDDL(ctx, []string{
		`CREATE TABLE IF NOT EXISTS drivers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'inactive',
			online BOOLEAN NOT NULL DEFAULT FALSE,
			safety_score INTEGER NOT NULL DEFAULT 100,
			last_active_at TIMESTAMPTZ,
			last_heartbeat_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_drivers_device ON drivers(device_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			driver_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			safety_score INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_driver_status ON sessions(driver_id, status)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			driver_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			mag_x DOUBLE PRECISION NOT NULL DEFAULT 0,
			mag_y DOUBLE PRECISION NOT NULL DEFAULT 0,
			mag_z DOUBLE PRECISION NOT NULL DEFAULT 0,
			event_count INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			description TEXT,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS raw_samples (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			mag_x DOUBLE PRECISION NOT NULL,
			mag_y DOUBLE PRECISION NOT NULL,
			mag_z DOUBLE PRECISION NOT NULL,
			event_type TEXT NOT NULL,
			event_count INTEGER NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_samples_session ON raw_samples(session_id)`,
	})
}
