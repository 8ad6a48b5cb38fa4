package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"drivewatch/internal/config"
	"drivewatch/internal/metrics"
	"drivewatch/internal/model"
	"drivewatch/internal/notify"
	"drivewatch/internal/scoring"
	"drivewatch/internal/storage"
)

// Mode decides what Ensure does when no active session exists.
type Mode int

const (
	// ModeCreate opens a new session and owns its lifecycle (sensor link).
	ModeCreate Mode = iota
	// ModeAttach only joins an existing session (vision).
	ModeAttach
)

type Options struct {
	Heartbeat         time.Duration
	Recovery          time.Duration
	TimeoutCheck      time.Duration
	LivenessTimeout   time.Duration
	CompleteOnRelease bool
	WriteQueue        int
	WriteTimeout      time.Duration
	WarningCount      int
	InitialScore      int
	Penalties         scoring.PenaltyTable
	RecoveryPolicy    scoring.RecoveryPolicy
	NotifyTimeout     time.Duration
	Now               func() time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Heartbeat:         cfg.Session.Heartbeat,
		Recovery:          cfg.Session.Recovery,
		TimeoutCheck:      cfg.Session.TimeoutCheck,
		LivenessTimeout:   cfg.Session.LivenessTimeout,
		CompleteOnRelease: cfg.Session.CompleteOnRelease,
		WriteQueue:        cfg.Session.WriteQueue,
		WriteTimeout:      cfg.Session.WriteTimeout,
		WarningCount:      cfg.Sensor.WarningCount,
		InitialScore:      cfg.Scoring.Initial,
		Penalties:         scoring.NewPenaltyTable(cfg.Scoring.Penalties, cfg.Scoring.DefaultPenalty),
		RecoveryPolicy: scoring.RecoveryPolicy{
			Interval: cfg.Scoring.RecoveryInterval,
			Points:   cfg.Scoring.RecoveryPoints,
		},
		NotifyTimeout: cfg.Notify.Timeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.Recovery <= 0 {
		o.Recovery = 5 * time.Second
	}
	if o.TimeoutCheck <= 0 {
		o.TimeoutCheck = 60 * time.Second
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 300 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.InitialScore <= 0 {
		o.InitialScore = scoring.MaxScore
	}
	if o.RecoveryPolicy.Interval <= 0 {
		o.RecoveryPolicy = scoring.DefaultRecoveryPolicy()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Deps struct {
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	Scores   *metrics.Store
	Notifier notify.Notifier
}

// Manager hands out the active Monitor for one driver, creating or
// attaching to the persisted session as its Mode allows.
type Manager struct {
	store  storage.Store
	driver model.Driver
	mode   Mode
	opts   Options
	deps   Deps

	// ensureMu serializes session lookup and creation; mu only guards the
	// fields below so Current never waits on the store.
	ensureMu sync.Mutex

	mu         sync.Mutex
	current    *Monitor
	penaltyGen int
}

func NewManager(store storage.Store, driver model.Driver, mode Mode, opts Options, deps Deps) *Manager {
	return &Manager{
		store:  store,
		driver: driver,
		mode:   mode,
		opts:   opts.withDefaults(),
		deps:   deps,
	}
}

func (m *Manager) Driver() model.Driver { return m.driver }

// Current returns the active monitor, or nil.
func (m *Manager) Current() *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Active() {
		return m.current
	}
	return nil
}

// SetPenalties updates the penalty table for the live session and any
// session started later.
func (m *Manager) SetPenalties(p scoring.PenaltyTable) {
	m.mu.Lock()
	m.opts.Penalties = p
	m.penaltyGen++
	cur := m.current
	m.mu.Unlock()
	if cur != nil {
		cur.SetPenalties(p)
	}
}

// Ensure returns the active monitor, looking up or creating the session
// when there is none. In ModeAttach it returns ErrNoActiveSession rather
// than create one.
func (m *Manager) Ensure(ctx context.Context) (*Monitor, error) {
	if cur := m.Current(); cur != nil {
		return cur, nil
	}
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()
	if cur := m.Current(); cur != nil {
		return cur, nil
	}
	m.mu.Lock()
	opts := m.opts
	gen := m.penaltyGen
	m.mu.Unlock()

	sess, err := m.store.FindActiveSession(ctx, m.driver.ID)
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	created := false
	if sess == nil {
		if m.mode == ModeAttach {
			return nil, model.ErrNoActiveSession
		}
		s, err := m.store.CreateSession(ctx, m.driver.ID, m.driver.DeviceID, opts.InitialScore, opts.Now())
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		sess = &s
		created = true
	}
	if m.mode == ModeCreate {
		m.markOnline(ctx)
	}
	mon := newMonitor(*sess, m.driver, m.mode == ModeCreate, m.store, opts, m.deps)
	mon.start()
	m.mu.Lock()
	m.current = mon
	if m.penaltyGen != gen {
		mon.SetPenalties(m.opts.Penalties)
	}
	m.mu.Unlock()
	if created {
		notify.Dispatch(m.deps.Notifier, notify.DriverOnline{
			DriverID:   m.driver.ID,
			DriverName: m.driver.Name,
			Email:      m.driver.Email,
			DeviceID:   m.driver.DeviceID,
			SessionID:  sess.ID,
			At:         sess.StartedAt,
		}, opts.NotifyTimeout, m.deps.Logger)
	}
	return mon, nil
}

// WaitForSession polls Ensure every interval until a session is available
// or ctx ends.
func (m *Manager) WaitForSession(ctx context.Context, interval time.Duration) (*Monitor, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	logged := false
	for {
		mon, err := m.Ensure(ctx)
		if err == nil {
			return mon, nil
		}
		if !errors.Is(err, model.ErrNoActiveSession) && m.deps.Logger != nil {
			m.deps.Logger.Warn("session lookup failed", "driver_id", m.driver.ID, "err", err)
		} else if !logged && m.deps.Logger != nil {
			m.deps.Logger.Info("waiting for active session", "driver_id", m.driver.ID)
			logged = true
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Stop ends the current monitor, if any.
func (m *Manager) Stop(ctx context.Context, reason Reason) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Stop(ctx, reason)
}

func (m *Manager) markOnline(ctx context.Context) {
	now := m.opts.Now()
	steps := []struct {
		op  string
		err error
	}{
		{"set_driver_connectivity", m.store.SetDriverConnectivity(ctx, m.driver.ID, true)},
		{"set_driver_status", m.store.SetDriverStatus(ctx, m.driver.ID, model.DriverActive)},
		{"update_driver_liveness", m.store.UpdateDriverLiveness(ctx, m.driver.ID, now)},
	}
	for _, s := range steps {
		if s.err == nil {
			continue
		}
		m.deps.Recorder.PersistFailed(s.op)
		if m.deps.Logger != nil {
			m.deps.Logger.Warn("driver online update failed", "op", s.op, "driver_id", m.driver.ID, "err", s.err)
		}
	}
}

// ResolveDriver finds the driver bound to the configured device, registering
// it when auto_register is on.
func ResolveDriver(ctx context.Context, store storage.Store, dev config.DeviceConfig) (model.Driver, error) {
	d, err := store.FindDriverByDevice(ctx, dev.DeviceID)
	if err != nil {
		return model.Driver{}, fmt.Errorf("find driver by device: %w", err)
	}
	if d != nil {
		return *d, nil
	}
	if !dev.AutoRegister {
		return model.Driver{}, fmt.Errorf("driver for device %s: %w", dev.DeviceID, model.ErrNotFound)
	}
	id := strings.TrimSpace(dev.DriverID)
	if id == "" {
		id = uuid.NewString()
	}
	name := dev.DriverName
	if name == "" {
		name = dev.DeviceID
	}
	nd := model.Driver{
		ID:          id,
		Name:        name,
		Email:       dev.DriverEmail,
		DeviceID:    dev.DeviceID,
		Status:      model.DriverInactive,
		SafetyScore: scoring.MaxScore,
	}
	if err := store.SaveDriver(ctx, nd); err != nil {
		return model.Driver{}, fmt.Errorf("register driver: %w", err)
	}
	return nd, nil
}
