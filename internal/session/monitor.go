package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"drivewatch/internal/metrics"
	"drivewatch/internal/model"
	"drivewatch/internal/scoring"
	"drivewatch/internal/storage"
)

type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	}
	return "uninitialized"
}

type Reason string

const (
	ReasonStop           Reason = "stop"
	ReasonTimeout        Reason = "timeout"
	ReasonProducerLost   Reason = "producer_lost"
	ReasonIngestFailure  Reason = "ingest_failure"
	ReasonEndedElsewhere Reason = "ended_elsewhere"
)

// Snapshot is a read-only view of a monitor for logs and the ops API.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	DriverID  string    `json:"driver_id"`
	DeviceID  string    `json:"device_id"`
	State     string    `json:"state"`
	Owner     bool      `json:"owner"`
	Score     int       `json:"score"`
	StartedAt time.Time `json:"started_at"`
	Anchor    time.Time `json:"recovery_anchor"`
	Reason    Reason    `json:"end_reason,omitempty"`
}

// Monitor is one live monitoring session: its ledger, its three timers and
// its ordered store writer.
type Monitor struct {
	session model.Session
	driver  model.Driver
	owner   bool
	store   storage.Store
	ledger  *scoring.Ledger
	writer  *writer
	opts    Options
	logger  *slog.Logger
	rec     *metrics.Recorder
	scores  *metrics.Store

	// scoreMu orders ledger changes with their stored deltas.
	scoreMu sync.Mutex

	state    atomic.Int32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
	reason   atomic.Value
}

func newMonitor(sess model.Session, driver model.Driver, owner bool, store storage.Store, opts Options, deps Deps) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		session: sess,
		driver:  driver,
		owner:   owner,
		store:   store,
		ledger:  scoring.NewLedger(sess.SafetyScore, sess.StartedAt, opts.Penalties, opts.RecoveryPolicy),
		writer:  newWriter(opts.WriteQueue, opts.WriteTimeout, deps.Logger, deps.Recorder),
		opts:    opts,
		logger:  deps.Logger,
		rec:     deps.Recorder,
		scores:  deps.Scores,
		done:    make(chan struct{}),
	}
}

func (m *Monitor) start() {
	if !m.state.CompareAndSwap(int32(StateUninitialized), int32(StateActive)) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.rec.Score(m.driver.ID, m.ledger.Score())
	m.heartbeat(m.opts.Now())
	m.wg.Add(3)
	go m.every(ctx, m.opts.Heartbeat, func(now time.Time) { m.heartbeat(now) })
	go m.every(ctx, m.opts.Recovery, func(now time.Time) { m.recover(ctx, now) })
	go m.every(ctx, m.opts.TimeoutCheck, func(now time.Time) { m.checkTimeout(ctx, now) })
	if m.logger != nil {
		m.logger.Info("monitoring session active",
			"session_id", m.session.ID,
			"driver_id", m.driver.ID,
			"owner", m.owner,
			"score", m.ledger.Score(),
		)
	}
}

func (m *Monitor) every(ctx context.Context, interval time.Duration, tick func(time.Time)) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(m.opts.Now())
		}
	}
}

func (m *Monitor) ID() string { return m.session.ID }

func (m *Monitor) Session() model.Session { return m.session }

func (m *Monitor) Owner() bool { return m.owner }

func (m *Monitor) State() State { return State(m.state.Load()) }

func (m *Monitor) Active() bool { return m.State() == StateActive }

func (m *Monitor) Score() int { return m.ledger.Score() }

// Done is closed once the session has been completed or released.
func (m *Monitor) Done() <-chan struct{} { return m.done }

func (m *Monitor) Reason() Reason {
	if v, ok := m.reason.Load().(Reason); ok {
		return v
	}
	return ""
}

func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		SessionID: m.session.ID,
		DriverID:  m.driver.ID,
		DeviceID:  m.session.DeviceID,
		State:     m.State().String(),
		Owner:     m.owner,
		Score:     m.ledger.Score(),
		StartedAt: m.session.StartedAt,
		Anchor:    m.ledger.Anchor(),
		Reason:    m.Reason(),
	}
}

// SetPenalties swaps the penalty table on a live session.
func (m *Monitor) SetPenalties(p scoring.PenaltyTable) {
	m.ledger.SetPenalties(p)
}

// ApplyEvent scores an accepted event and queues its records. sample is
// stored alongside the event when non-nil.
func (m *Monitor) ApplyEvent(ev model.Event, sample *model.RawSample) (scoring.Change, error) {
	if !m.Active() {
		return scoring.Change{}, model.ErrSessionCompleted
	}
	m.scoreMu.Lock()
	change := m.commit(context.Background(), m.ledger.ApplyPenalty(ev.Type, m.opts.Now()))
	m.scoreMu.Unlock()
	ev.SessionID = m.session.ID
	ev.DriverID = m.driver.ID
	ev.DeviceID = m.session.DeviceID
	if sample != nil {
		s := *sample
		s.SessionID = m.session.ID
		s.DeviceID = m.session.DeviceID
		m.writer.submit("record_raw_sample", func(ctx context.Context) error {
			return m.store.RecordRawSample(ctx, s)
		})
	}
	m.writer.submit("record_event", func(ctx context.Context) error {
		_, err := m.store.RecordEvent(ctx, ev)
		return err
	})
	m.persistScore(change)
	if m.opts.WarningCount > 0 && ev.Count >= m.opts.WarningCount {
		m.writer.submit("set_driver_status", func(ctx context.Context) error {
			return m.store.SetDriverStatus(ctx, m.driver.ID, model.DriverWarning)
		})
	}
	if m.logger != nil {
		m.logger.Info("score penalty",
			"session_id", m.session.ID,
			"event_type", ev.Type,
			"severity", ev.Severity,
			"count", ev.Count,
			"score_before", change.Before,
			"score", change.After,
		)
	}
	return change, nil
}

// CheckRecovery runs one recovery tick outside the timer, e.g. on a
// STATUS frame.
func (m *Monitor) CheckRecovery(ctx context.Context, now time.Time) scoring.Change {
	if !m.Active() {
		return scoring.Change{}
	}
	return m.recover(ctx, now)
}

// Flush waits until every queued store write has been attempted.
func (m *Monitor) Flush(ctx context.Context) error {
	return m.writer.flush(ctx)
}

// commit adds the change's requested points to the stored session score
// and resyncs the ledger from the result. The in-memory change stands when
// the write fails.
func (m *Monitor) commit(ctx context.Context, change scoring.Change) scoring.Change {
	if change.Requested == 0 {
		return change
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	stored, err := m.store.AdjustSessionScore(ctx, m.session.ID, change.Requested)
	if err != nil {
		m.rec.PersistFailed("adjust_session_score")
		if m.logger != nil {
			m.logger.Warn("session score write failed", "session_id", m.session.ID, "err", err)
		}
		return change
	}
	return m.ledger.Sync(change, stored)
}

func (m *Monitor) persistScore(change scoring.Change) {
	score := change.After
	at := change.At
	m.rec.Score(m.driver.ID, score)
	if m.scores != nil {
		m.scores.Update(m.session.ID, metrics.ScorePoint{Score: score, Reason: string(change.Reason), At: at})
	}
	m.writer.submit("update_driver_score", func(ctx context.Context) error {
		return m.store.UpdateDriverScore(ctx, m.driver.ID, score, at)
	})
}

func (m *Monitor) heartbeat(now time.Time) {
	m.writer.submit("update_driver_liveness", func(ctx context.Context) error {
		return m.store.UpdateDriverLiveness(ctx, m.driver.ID, now)
	})
}

func (m *Monitor) recover(ctx context.Context, now time.Time) scoring.Change {
	readCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	latest, err := m.store.LatestEventAt(readCtx, m.session.ID)
	cancel()
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("latest event lookup failed", "session_id", m.session.ID, "err", err)
		}
		m.rec.PersistFailed("latest_event_at")
		latest = time.Time{}
	}
	m.scoreMu.Lock()
	change := m.ledger.ApplyRecovery(now, latest)
	if change.Before < scoring.MaxScore {
		change = m.commit(ctx, change)
	}
	m.scoreMu.Unlock()
	if !change.Changed() {
		return change
	}
	m.rec.Recovered(change.Delta())
	m.persistScore(change)
	if m.logger != nil {
		m.logger.Debug("score recovery",
			"session_id", m.session.ID,
			"score_before", change.Before,
			"score", change.After,
		)
	}
	return change
}

// checkTimeout ends the session when the driver's liveness timestamp is
// older than LivenessTimeout, or releases it when another process has
// already completed it. It reports whether the monitor is ending.
func (m *Monitor) checkTimeout(ctx context.Context, now time.Time) bool {
	readCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if sess, err := m.store.GetSession(readCtx, m.session.ID); err == nil && sess != nil && sess.Status == model.SessionCompleted {
		go m.finish(ReasonEndedElsewhere, m.drainDeadline(context.Background()))
		return true
	}
	last, err := m.store.DriverLiveness(readCtx, m.driver.ID)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("liveness lookup failed", "driver_id", m.driver.ID, "err", err)
		}
		m.rec.PersistFailed("driver_liveness")
		return false
	}
	if last.IsZero() {
		last = m.session.StartedAt
	}
	if now.Sub(last) <= m.opts.LivenessTimeout {
		return false
	}
	if m.logger != nil {
		m.logger.Warn("session liveness timeout",
			"session_id", m.session.ID,
			"driver_id", m.driver.ID,
			"last_heartbeat", last,
		)
	}
	// finish waits for the timer goroutines, this one included
	go m.finish(ReasonTimeout, m.drainDeadline(context.Background()))
	return true
}

// Stop ends the session. It is safe to call more than once and from any
// goroutine; later calls wait for the first to finish. Queued writes get
// at most half of ctx's remaining time so the completion itself always
// runs before the deadline.
func (m *Monitor) Stop(ctx context.Context, reason Reason) error {
	go m.finish(reason, m.drainDeadline(ctx))
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) drainDeadline(ctx context.Context) time.Time {
	d := time.Now().Add(m.opts.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok {
		if half := time.Now().Add(time.Until(dl) / 2); half.Before(d) {
			d = half
		}
	}
	return d
}

func (m *Monitor) finish(reason Reason, drainBy time.Time) {
	m.stopOnce.Do(func() {
		defer close(m.done)
		prev := State(m.state.Swap(int32(StateCompleted)))
		m.reason.Store(reason)
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		m.writer.close(drainBy)
		if prev != StateActive {
			return
		}
		if !m.completes(reason) {
			if m.logger != nil {
				m.logger.Info("monitoring session released", "session_id", m.session.ID, "reason", reason)
			}
			return
		}
		m.complete(reason)
	})
}

func (m *Monitor) completes(reason Reason) bool {
	switch reason {
	case ReasonEndedElsewhere:
		return false
	case ReasonStop:
		return m.owner || m.opts.CompleteOnRelease
	}
	return true
}

func (m *Monitor) complete(reason Reason) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	endedAt := m.opts.Now().UTC()
	transitioned, err := m.store.CompleteSession(ctx, m.session.ID, endedAt)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("complete session failed", "session_id", m.session.ID, "err", err)
		}
		m.rec.PersistFailed("complete_session")
		return
	}
	if !transitioned {
		return
	}
	if err := m.store.SetDriverConnectivity(ctx, m.driver.ID, false); err != nil {
		m.rec.PersistFailed("set_driver_connectivity")
		if m.logger != nil {
			m.logger.Warn("set driver offline failed", "driver_id", m.driver.ID, "err", err)
		}
	}
	if err := m.store.SetDriverStatus(ctx, m.driver.ID, model.DriverInactive); err != nil {
		m.rec.PersistFailed("set_driver_status")
	}
	m.rec.Completed(string(reason))
	if m.logger != nil {
		m.logger.Info("monitoring session completed",
			"session_id", m.session.ID,
			"reason", reason,
			"score", m.ledger.Score(),
			"ended_at", endedAt,
		)
	}
}
