package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"drivewatch/internal/config"
	"drivewatch/internal/model"
)

// Store is the record store shared by the monitoring processes. Updates are
// narrow so concurrent writers do not clobber each other's fields. Lookups
// return nil, nil when nothing matches.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	SaveDriver(ctx context.Context, d model.Driver) error
	GetDriver(ctx context.Context, driverID string) (*model.Driver, error)
	FindDriverByDevice(ctx context.Context, deviceID string) (*model.Driver, error)
	UpdateDriverScore(ctx context.Context, driverID string, score int, lastActiveAt time.Time) error
	UpdateDriverLiveness(ctx context.Context, driverID string, at time.Time) error
	DriverLiveness(ctx context.Context, driverID string) (time.Time, error)
	SetDriverConnectivity(ctx context.Context, driverID string, online bool) error
	SetDriverStatus(ctx context.Context, driverID string, status model.DriverStatus) error

	FindActiveSession(ctx context.Context, driverID string) (*model.Session, error)
	CreateSession(ctx context.Context, driverID, deviceID string, score int, startedAt time.Time) (model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	// AdjustSessionScore adds delta to the stored score, clamped to
	// [0,100], in one statement and returns the new value.
	AdjustSessionScore(ctx context.Context, sessionID string, delta int) (int, error)
	// CompleteSession reports whether this call moved the session out of active.
	CompleteSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error)

	RecordEvent(ctx context.Context, ev model.Event) (string, error)
	RecordRawSample(ctx context.Context, s model.RawSample) error
	LatestEventAt(ctx context.Context, sessionID string) (time.Time, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]model.Event, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// baseStore carries the SQL shared by the sqlite and postgres backends.
// Queries are written with ? placeholders and rebound for postgres.
type baseStore struct {
	db       *sql.DB
	numbered bool
	encodeTS func(time.Time) any
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) ts(t time.Time) any {
	if b.encodeTS != nil {
		return b.encodeTS(t)
	}
	return t.UTC()
}

func (b *baseStore) nullTS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return b.ts(*t)
}

func (b *baseStore) exec(ctx context.Context, query string, args ...any) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.q(query), args...)
	return err
}

func (b *baseStore) runDDL(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveDriver(ctx context.Context, d model.Driver) error {
	if d.Status == "" {
		d.Status = model.DriverInactive
	}
	return b.exec(ctx,
		`INSERT INTO drivers (id, name, email, device_id, status, online, safety_score, last_active_at, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email, device_id = excluded.device_id`,
		d.ID, d.Name, d.Email, d.DeviceID, string(d.Status), d.Online, d.SafetyScore,
		b.nullTS(d.LastActiveAt), b.nullTS(d.LastHeartbeatAt),
	)
}

const driverColumns = `id, name, email, device_id, status, online, safety_score, last_active_at, last_heartbeat_at`

func (b *baseStore) GetDriver(ctx context.Context, driverID string) (*model.Driver, error) {
	return b.queryDriver(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ?`, driverID)
}

func (b *baseStore) FindDriverByDevice(ctx context.Context, deviceID string) (*model.Driver, error) {
	return b.queryDriver(ctx, `SELECT `+driverColumns+` FROM drivers WHERE device_id = ? LIMIT 1`, deviceID)
}

func (b *baseStore) queryDriver(ctx context.Context, query string, arg any) (*model.Driver, error) {
	if b.db == nil {
		return nil, nil
	}
	var (
		d            model.Driver
		status       string
		email        sql.NullString
		active, beat any
	)
	err := b.db.QueryRowContext(ctx, b.q(query), arg).Scan(
		&d.ID, &d.Name, &email, &d.DeviceID, &status, &d.Online, &d.SafetyScore, &active, &beat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Email = email.String
	d.Status = model.DriverStatus(status)
	if d.LastActiveAt, err = decodeNullTime(active); err != nil {
		return nil, err
	}
	if d.LastHeartbeatAt, err = decodeNullTime(beat); err != nil {
		return nil, err
	}
	return &d, nil
}

func (b *baseStore) UpdateDriverScore(ctx context.Context, driverID string, score int, lastActiveAt time.Time) error {
	return b.exec(ctx, `UPDATE drivers SET safety_score = ?, last_active_at = ? WHERE id = ?`,
		score, b.ts(lastActiveAt), driverID)
}

func (b *baseStore) UpdateDriverLiveness(ctx context.Context, driverID string, at time.Time) error {
	return b.exec(ctx, `UPDATE drivers SET last_heartbeat_at = ? WHERE id = ?`, b.ts(at), driverID)
}

func (b *baseStore) DriverLiveness(ctx context.Context, driverID string) (time.Time, error) {
	if b.db == nil {
		return time.Time{}, nil
	}
	var raw any
	err := b.db.QueryRowContext(ctx, b.q(`SELECT last_heartbeat_at FROM drivers WHERE id = ?`), driverID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, model.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return decodeTime(raw)
}

func (b *baseStore) SetDriverConnectivity(ctx context.Context, driverID string, online bool) error {
	if online {
		return b.exec(ctx, `UPDATE drivers SET online = ?, last_active_at = ? WHERE id = ?`,
			true, b.ts(time.Now()), driverID)
	}
	return b.exec(ctx, `UPDATE drivers SET online = ? WHERE id = ?`, false, driverID)
}

func (b *baseStore) SetDriverStatus(ctx context.Context, driverID string, status model.DriverStatus) error {
	return b.exec(ctx, `UPDATE drivers SET status = ? WHERE id = ?`, string(status), driverID)
}

const sessionColumns = `id, driver_id, device_id, status, safety_score, started_at, ended_at`

func (b *baseStore) FindActiveSession(ctx context.Context, driverID string) (*model.Session, error) {
	return b.querySession(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE driver_id = ? AND status = 'active' ORDER BY started_at DESC LIMIT 1`,
		driverID)
}

func (b *baseStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return b.querySession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
}

func (b *baseStore) querySession(ctx context.Context, query string, arg any) (*model.Session, error) {
	if b.db == nil {
		return nil, nil
	}
	var (
		s              model.Session
		status         string
		started, ended any
	)
	err := b.db.QueryRowContext(ctx, b.q(query), arg).Scan(
		&s.ID, &s.DriverID, &s.DeviceID, &status, &s.SafetyScore, &started, &ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	if s.StartedAt, err = decodeTime(started); err != nil {
		return nil, err
	}
	if s.EndedAt, err = decodeNullTime(ended); err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *baseStore) CreateSession(ctx context.Context, driverID, deviceID string, score int, startedAt time.Time) (model.Session, error) {
	s := model.Session{
		ID:          newID(),
		DriverID:    driverID,
		DeviceID:    deviceID,
		Status:      model.SessionActive,
		SafetyScore: score,
		StartedAt:   startedAt.UTC(),
	}
	err := b.exec(ctx,
		`INSERT INTO sessions (id, driver_id, device_id, status, safety_score, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.DriverID, s.DeviceID, string(s.Status), s.SafetyScore, b.ts(s.StartedAt),
	)
	if err != nil {
		return model.Session{}, err
	}
	return s, nil
}

func (b *baseStore) AdjustSessionScore(ctx context.Context, sessionID string, delta int) (int, error) {
	if b.db == nil {
		return 0, model.ErrNotFound
	}
	var score int
	err := b.db.QueryRowContext(ctx, b.q(`UPDATE sessions SET safety_score = CASE
			WHEN safety_score + ? < 0 THEN 0
			WHEN safety_score + ? > 100 THEN 100
			ELSE safety_score + ? END
		WHERE id = ? RETURNING safety_score`),
		delta, delta, delta, sessionID,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return score, nil
}

func (b *baseStore) CompleteSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error) {
	if b.db == nil {
		return false, nil
	}
	res, err := b.db.ExecContext(ctx,
		b.q(`UPDATE sessions SET status = 'completed', ended_at = ? WHERE id = ? AND status = 'active'`),
		b.ts(endedAt), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *baseStore) RecordEvent(ctx context.Context, ev model.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = newID()
	}
	err := b.exec(ctx,
		`INSERT INTO events (id, session_id, driver_id, device_id, event_type, severity, mag_x, mag_y, mag_z, event_count, source, description, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.DriverID, ev.DeviceID, string(ev.Type), string(ev.Severity),
		ev.Magnitude.X, ev.Magnitude.Y, ev.Magnitude.Z, ev.Count, string(ev.Source), ev.Description,
		b.ts(ev.Timestamp),
	)
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

func (b *baseStore) RecordRawSample(ctx context.Context, s model.RawSample) error {
	return b.exec(ctx,
		`INSERT INTO raw_samples (id, session_id, device_id, mag_x, mag_y, mag_z, event_type, event_count, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(), s.SessionID, s.DeviceID, s.Magnitude.X, s.Magnitude.Y, s.Magnitude.Z,
		string(s.Type), s.Count, b.ts(s.Timestamp),
	)
}

func (b *baseStore) LatestEventAt(ctx context.Context, sessionID string) (time.Time, error) {
	if b.db == nil {
		return time.Time{}, nil
	}
	var raw any
	err := b.db.QueryRowContext(ctx, b.q(`SELECT MAX(ts) FROM events WHERE session_id = ?`), sessionID).Scan(&raw)
	if err != nil {
		return time.Time{}, err
	}
	return decodeTime(raw)
}

func (b *baseStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]model.Event, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT id, session_id, driver_id, device_id, event_type, severity, mag_x, mag_y, mag_z, event_count, source, description, ts
		FROM events WHERE session_id = ? ORDER BY ts DESC LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Event, 0)
	for rows.Next() {
		var (
			ev                    model.Event
			typ, severity, source string
			description           sql.NullString
			ts                    any
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.DriverID, &ev.DeviceID, &typ, &severity,
			&ev.Magnitude.X, &ev.Magnitude.Y, &ev.Magnitude.Z, &ev.Count, &source, &description, &ts); err != nil {
			return nil, err
		}
		ev.Type = model.EventType(typ)
		ev.Severity = model.Severity(severity)
		ev.Source = model.Source(source)
		ev.Description = description.String
		if ev.Timestamp, err = decodeTime(ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
