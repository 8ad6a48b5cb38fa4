package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"drivewatch/internal/model"
)

// MemoryStore keeps records in process. It backs tests and single-process
// runs where nothing needs to outlive the process.
type MemoryStore struct {
	mu       sync.RWMutex
	drivers  map[string]model.Driver
	sessions map[string]model.Session
	events   []model.Event
	samples  []model.RawSample
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		drivers:  make(map[string]model.Driver),
		sessions: make(map[string]model.Session),
	}
}

func (m *MemoryStore) Init(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveDriver(_ context.Context, d model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.drivers[d.ID]; ok {
		cur.Name = d.Name
		cur.Email = d.Email
		cur.DeviceID = d.DeviceID
		m.drivers[d.ID] = cur
		return nil
	}
	if d.Status == "" {
		d.Status = model.DriverInactive
	}
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, driverID string) (*model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *MemoryStore) FindDriverByDevice(_ context.Context, deviceID string) (*model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drivers {
		if d.DeviceID == deviceID {
			return &d, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) updateDriver(driverID string, fn func(*model.Driver)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil
	}
	fn(&d)
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) UpdateDriverScore(_ context.Context, driverID string, score int, lastActiveAt time.Time) error {
	at := lastActiveAt.UTC()
	return m.updateDriver(driverID, func(d *model.Driver) {
		d.SafetyScore = score
		d.LastActiveAt = &at
	})
}

func (m *MemoryStore) UpdateDriverLiveness(_ context.Context, driverID string, at time.Time) error {
	at = at.UTC()
	return m.updateDriver(driverID, func(d *model.Driver) {
		d.LastHeartbeatAt = &at
	})
}

func (m *MemoryStore) DriverLiveness(_ context.Context, driverID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return time.Time{}, model.ErrNotFound
	}
	if d.LastHeartbeatAt == nil {
		return time.Time{}, nil
	}
	return *d.LastHeartbeatAt, nil
}

func (m *MemoryStore) SetDriverConnectivity(_ context.Context, driverID string, online bool) error {
	now := time.Now().UTC()
	return m.updateDriver(driverID, func(d *model.Driver) {
		d.Online = online
		if online {
			d.LastActiveAt = &now
		}
	})
}

func (m *MemoryStore) SetDriverStatus(_ context.Context, driverID string, status model.DriverStatus) error {
	return m.updateDriver(driverID, func(d *model.Driver) {
		d.Status = status
	})
}

func (m *MemoryStore) FindActiveSession(_ context.Context, driverID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *model.Session
	for _, s := range m.sessions {
		if s.DriverID != driverID || s.Status != model.SessionActive {
			continue
		}
		if found == nil || s.StartedAt.After(found.StartedAt) {
			s := s
			found = &s
		}
	}
	return found, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, driverID, deviceID string, score int, startedAt time.Time) (model.Session, error) {
	s := model.Session{
		ID:          newID(),
		DriverID:    driverID,
		DeviceID:    deviceID,
		Status:      model.SessionActive,
		SafetyScore: score,
		StartedAt:   startedAt.UTC(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) AdjustSessionScore(_ context.Context, sessionID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	s.SafetyScore = min(max(s.SafetyScore+delta, 0), 100)
	m.sessions[sessionID] = s
	return s.SafetyScore, nil
}

func (m *MemoryStore) CompleteSession(_ context.Context, sessionID string, endedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != model.SessionActive {
		return false, nil
	}
	ended := endedAt.UTC()
	s.Status = model.SessionCompleted
	s.EndedAt = &ended
	m.sessions[sessionID] = s
	return true, nil
}

func (m *MemoryStore) RecordEvent(_ context.Context, ev model.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = newID()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return ev.ID, nil
}

func (m *MemoryStore) RecordRawSample(_ context.Context, s model.RawSample) error {
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LatestEventAt(_ context.Context, sessionID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	for _, ev := range m.events {
		if ev.SessionID == sessionID && ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	return latest, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, sessionID string, limit int) ([]model.Event, error) {
	m.mu.RLock()
	out := make([]model.Event, 0)
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RawSamples returns a copy of every stored sample.
func (m *MemoryStore) RawSamples() []model.RawSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.RawSample(nil), m.samples...)
}
