// Package engine reduces producer notifications to scored, persisted events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"drivewatch/internal/config"
	"drivewatch/internal/feed"
	"drivewatch/internal/metrics"
	"drivewatch/internal/model"
	"drivewatch/internal/scoring"
	"drivewatch/internal/session"
)

type Options struct {
	Source           model.Source
	Cooldown         time.Duration
	ScoreEventFrames bool
	SummarySize      int
	MaxFutureSkew    time.Duration
	Manager          *session.Manager
	Feed             *feed.Store
	Recorder         *metrics.Recorder
	Logger           *slog.Logger
	Now              func() time.Time
}

// OptionsFromConfig fills the source specific settings from cfg.
func OptionsFromConfig(cfg *config.Config, source model.Source) Options {
	opts := Options{Source: source, SummarySize: cfg.Sensor.SummarySize}
	if source == model.SourceVision {
		opts.Cooldown = cfg.Vision.Cooldown
	} else {
		opts.Cooldown = cfg.Sensor.Cooldown
		opts.ScoreEventFrames = cfg.Sensor.ScoreEventFrames
	}
	return opts
}

// Summary is what the runner prints on shutdown.
type Summary struct {
	LastCount int                  `json:"last_count"`
	Recent    []model.Notification `json:"recent_events"`
	Accepted  int64                `json:"accepted"`
	Dropped   int64                `json:"dropped"`
}

// Engine is the single ingestion loop shared by both producers.
type Engine struct {
	opts        Options
	logger      *slog.Logger
	rec         *metrics.Recorder
	manager     *session.Manager
	feed        *feed.Store
	dedupe      *scoring.Deduplicator
	scoreEvents atomic.Bool
	accepted    atomic.Int64
	dropped     atomic.Int64

	mu        sync.Mutex
	lastCount int
	recent    []model.Notification
}

func New(opts Options) *Engine {
	if opts.Source == "" {
		opts.Source = model.SourceSensor
	}
	if opts.SummarySize <= 0 {
		opts.SummarySize = 5
	}
	if opts.MaxFutureSkew <= 0 {
		opts.MaxFutureSkew = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		opts:    opts,
		logger:  opts.Logger,
		rec:     opts.Recorder,
		manager: opts.Manager,
		feed:    opts.Feed,
		dedupe:  scoring.NewDeduplicator(opts.Cooldown),
	}
	e.scoreEvents.Store(opts.ScoreEventFrames)
	return e
}

// UpdateConfig applies hot-reloadable settings.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	next := OptionsFromConfig(cfg, e.opts.Source)
	e.dedupe.SetCooldown(next.Cooldown)
	e.scoreEvents.Store(next.ScoreEventFrames)
	e.manager.SetPenalties(scoring.NewPenaltyTable(cfg.Scoring.Penalties, cfg.Scoring.DefaultPenalty))
}

// Start runs the loop until ctx ends or in is closed. The returned channel
// is closed when the loop has exited.
func (e *Engine) Start(ctx context.Context, in <-chan model.Notification) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case n, ok := <-in:
				if !ok {
					return
				}
				_, _ = e.Process(ctx, n)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// Process handles one notification. It returns the recorded event when the
// notification was scored, nil when it was ignored or deduplicated, and an
// error when it had to be dropped.
func (e *Engine) Process(ctx context.Context, n model.Notification) (*model.Event, error) {
	now := e.opts.Now().UTC()
	n.At = clampTimestamp(n.At, now, e.opts.MaxFutureSkew)
	if n.Source == "" {
		n.Source = e.opts.Source
	}

	switch n.Kind {
	case model.KindStatus:
		e.observeCount(n, false)
		if mon := e.manager.Current(); mon != nil {
			mon.CheckRecovery(ctx, now)
		}
		return nil, nil
	case model.KindEvent:
		e.observeCount(n, true)
		if !e.scoreEvents.Load() {
			return nil, nil
		}
		return e.score(ctx, n, nil)
	case model.KindSample:
		e.observeCount(n, false)
		if !n.Type.IsDriving() {
			return nil, nil
		}
		sample := &model.RawSample{
			Magnitude: n.Magnitude,
			Type:      n.Type,
			Count:     n.Count,
			Timestamp: n.At,
		}
		return e.score(ctx, n, sample)
	case model.KindAttention:
		return e.score(ctx, n, nil)
	}
	e.rec.Malformed(string(n.Source))
	return nil, fmt.Errorf("%w: unknown kind %q", model.ErrMalformedFrame, n.Kind)
}

func (e *Engine) score(ctx context.Context, n model.Notification, sample *model.RawSample) (*model.Event, error) {
	if !e.dedupe.ShouldAccept(n.Type, n.At) {
		e.rec.Deduplicated(string(n.Source), string(n.Type))
		if e.logger != nil {
			e.logger.Debug("duplicate event suppressed", "event_type", n.Type, "source", n.Source)
		}
		return nil, nil
	}

	ev := model.Event{
		ID:          uuid.NewString(),
		Type:        n.Type,
		Severity:    scoring.Classify(n.Type, n.Magnitude),
		Magnitude:   n.Magnitude,
		Count:       n.Count,
		Source:      n.Source,
		Description: n.Label,
		Timestamp:   n.At,
	}
	if n.Source == model.SourceVision {
		ev.Count = 0
	}

	mon, change, err := e.apply(ctx, ev, sample)
	if err != nil {
		e.dropped.Add(1)
		e.rec.Missed(string(n.Source))
		if e.logger != nil {
			e.logger.Warn("event dropped, no active session",
				"event_type", ev.Type,
				"source", ev.Source,
				"err", err,
			)
		}
		return nil, err
	}
	sess := mon.Session()
	ev.SessionID = sess.ID
	ev.DriverID = sess.DriverID
	ev.DeviceID = sess.DeviceID

	e.accepted.Add(1)
	e.rec.Accepted(string(ev.Source), string(ev.Type), string(ev.Severity))
	if e.feed != nil {
		e.feed.Add(ev)
	}
	if e.logger != nil {
		e.logger.Info("event recorded",
			"session_id", ev.SessionID,
			"event_type", ev.Type,
			"severity", ev.Severity,
			"source", ev.Source,
			"count", ev.Count,
			"score", change.After,
		)
	}
	return &ev, nil
}

// apply looks the session up at most once more if the cached one has
// completed underneath us.
func (e *Engine) apply(ctx context.Context, ev model.Event, sample *model.RawSample) (*session.Monitor, scoring.Change, error) {
	mon := e.manager.Current()
	if mon != nil {
		change, err := mon.ApplyEvent(ev, sample)
		if err == nil {
			return mon, change, nil
		}
		if !errors.Is(err, model.ErrSessionCompleted) {
			return nil, scoring.Change{}, err
		}
	}
	mon, err := e.manager.Ensure(ctx)
	if err != nil {
		return nil, scoring.Change{}, err
	}
	change, err := mon.ApplyEvent(ev, sample)
	if err != nil {
		return nil, scoring.Change{}, err
	}
	return mon, change, nil
}

func (e *Engine) observeCount(n model.Notification, remember bool) {
	if n.Source != model.SourceSensor {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n.Count > 0 {
		e.lastCount = n.Count
	}
	if !remember {
		return
	}
	e.recent = append(e.recent, n)
	if len(e.recent) > e.opts.SummarySize {
		e.recent = e.recent[len(e.recent)-e.opts.SummarySize:]
	}
}

func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	recent := make([]model.Notification, len(e.recent))
	copy(recent, e.recent)
	return Summary{
		LastCount: e.lastCount,
		Recent:    recent,
		Accepted:  e.accepted.Load(),
		Dropped:   e.dropped.Load(),
	}
}

// Reset clears the cooldowns and the summary.
func (e *Engine) Reset() {
	e.dedupe.Reset()
	e.mu.Lock()
	e.lastCount = 0
	e.recent = nil
	e.mu.Unlock()
}

// clampTimestamp replaces missing or far-future timestamps with now. A
// future anchor would stall recovery.
func clampTimestamp(ts, now time.Time, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts.UTC()
}
