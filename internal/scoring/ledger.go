package scoring

import (
	"sync"
	"time"

	"drivewatch/internal/model"
)

const (
	MinScore = 0
	MaxScore = 100
)

type PenaltyTable struct {
	byType   map[model.EventType]int
	fallback int
}

func NewPenaltyTable(penalties map[string]int, fallback int) PenaltyTable {
	byType := make(map[model.EventType]int, len(penalties))
	for name, p := range penalties {
		byType[model.EventType(name)] = p
	}
	return PenaltyTable{byType: byType, fallback: fallback}
}

func DefaultPenaltyTable() PenaltyTable {
	return PenaltyTable{
		byType: map[model.EventType]int{
			model.EventHarshBrake: 6,
			model.EventAggressive: 10,
			model.EventSwerving:   2,
			model.EventDrowsy:     10,
			model.EventEyesClosed: 10,
			model.EventDistracted: 6,
		},
		fallback: 6,
	}
}

func (p PenaltyTable) Penalty(t model.EventType) int {
	if v, ok := p.byType[t]; ok {
		return v
	}
	return p.fallback
}

type RecoveryPolicy struct {
	Interval time.Duration
	Points   int
}

func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{Interval: 5 * time.Second, Points: 2}
}

type Reason string

const (
	ReasonPenalty  Reason = "penalty"
	ReasonRecovery Reason = "recovery"
)

// Change describes one score mutation. Requested is the signed number of
// points asked for before clamping.
type Change struct {
	Before    int
	After     int
	Requested int
	Reason    Reason
	Type      model.EventType
	At        time.Time
}

func (c Change) Delta() int {
	return c.After - c.Before
}

func (c Change) Changed() bool {
	return c.After != c.Before
}

// Ledger holds the score of one session. Penalties and recoveries are
// serialized by mu.
type Ledger struct {
	mu        sync.Mutex
	score     int
	anchor    time.Time
	penalties PenaltyTable
	policy    RecoveryPolicy
}

// NewLedger starts at initial with the recovery clock anchored at anchor,
// normally the session start.
func NewLedger(initial int, anchor time.Time, penalties PenaltyTable, policy RecoveryPolicy) *Ledger {
	if policy.Interval <= 0 {
		policy.Interval = DefaultRecoveryPolicy().Interval
	}
	return &Ledger{
		score:     clamp(initial),
		anchor:    anchor,
		penalties: penalties,
		policy:    policy,
	}
}

func (l *Ledger) SetPenalties(p PenaltyTable) {
	l.mu.Lock()
	l.penalties = p
	l.mu.Unlock()
}

func (l *Ledger) Score() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.score
}

func (l *Ledger) Anchor() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anchor
}

func (l *Ledger) ApplyPenalty(t model.EventType, now time.Time) Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	before := l.score
	p := l.penalties.Penalty(t)
	l.score = clamp(l.score - p)
	l.anchor = now
	return Change{Before: before, After: l.score, Requested: -p, Reason: ReasonPenalty, Type: t, At: now}
}

// ApplyRecovery grants Points for every whole Interval elapsed since the
// most recent score-affecting event. latest is the newest event persisted
// for the session by any producer; it moves the anchor forward when it is
// more recent than what this ledger has seen. The anchor advances by the
// cycles granted so the next tick only counts new time.
func (l *Ledger) ApplyRecovery(now, latest time.Time) Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	before := l.score
	if latest.After(l.anchor) {
		l.anchor = latest
	}
	elapsed := now.Sub(l.anchor)
	cycles := int(elapsed / l.policy.Interval)
	if cycles < 1 {
		return Change{Before: before, After: before, Reason: ReasonRecovery, At: now}
	}
	grant := cycles * l.policy.Points
	l.score = clamp(l.score + grant)
	l.anchor = l.anchor.Add(time.Duration(cycles) * l.policy.Interval)
	return Change{Before: before, After: l.score, Requested: grant, Reason: ReasonRecovery, At: now}
}

// Sync replaces the score with stored, the value persisted after c was
// applied to the shared record, and returns c rewritten against it.
func (l *Ledger) Sync(c Change, stored int) Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored = clamp(stored)
	l.score = stored
	if c.After != stored {
		c.Before = clamp(stored - c.Requested)
		c.After = stored
	}
	return c
}

func clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
