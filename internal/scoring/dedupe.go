package scoring

import (
	"sync"
	"time"

	"drivewatch/internal/model"
)

// Deduplicator suppresses repeats of the same event type inside a cooldown.
type Deduplicator struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[model.EventType]time.Time
}

func NewDeduplicator(cooldown time.Duration) *Deduplicator {
	return &Deduplicator{cooldown: cooldown, last: make(map[model.EventType]time.Time)}
}

func (d *Deduplicator) SetCooldown(cooldown time.Duration) {
	d.mu.Lock()
	d.cooldown = cooldown
	d.mu.Unlock()
}

func (d *Deduplicator) Cooldown() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cooldown
}

// ShouldAccept records now for t and returns true when the previous accepted
// notification of t is at least one cooldown old.
func (d *Deduplicator) ShouldAccept(t model.EventType, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.last[t]; ok && d.cooldown > 0 {
		if now.Sub(ts) < d.cooldown {
			return false
		}
	}
	d.last[t] = now
	return true
}

func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.last = make(map[model.EventType]time.Time)
	d.mu.Unlock()
}
