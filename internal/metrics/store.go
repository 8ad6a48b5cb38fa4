package metrics

import (
	"sync"
	"time"
)

// ScorePoint is one observed score value of a session.
type ScorePoint struct {
	Score  int       `json:"score"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Store keeps a bounded score history per session for the ops API.
type Store struct {
	mu        sync.RWMutex
	bySession map[string][]ScorePoint
	updatedAt map[string]time.Time
	limit     int
}

const historyPerSession = 256

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 100
	}
	return &Store{
		bySession: make(map[string][]ScorePoint),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(sessionID string, p ScorePoint) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.bySession[sessionID], p)
	if len(hist) > historyPerSession {
		hist = hist[len(hist)-historyPerSession:]
	}
	s.bySession[sessionID] = hist
	s.updatedAt[sessionID] = time.Now().UTC()
	if len(s.bySession) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(sessionID string) ([]ScorePoint, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist, ok := s.bySession[sessionID]
	if !ok {
		return nil, time.Time{}, false
	}
	out := make([]ScorePoint, len(hist))
	copy(out, hist)
	return out, s.updatedAt[sessionID], true
}

func (s *Store) Latest(sessionID string) (ScorePoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.bySession[sessionID]
	if len(hist) == 0 {
		return ScorePoint{}, false
	}
	return hist[len(hist)-1], true
}

func (s *Store) evictOldest() {
	var oldestSession string
	var oldest time.Time
	for id, ts := range s.updatedAt {
		if oldestSession == "" || ts.Before(oldest) {
			oldestSession = id
			oldest = ts
		}
	}
	if oldestSession != "" {
		delete(s.bySession, oldestSession)
		delete(s.updatedAt, oldestSession)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession = make(map[string][]ScorePoint)
	s.updatedAt = make(map[string]time.Time)
}
