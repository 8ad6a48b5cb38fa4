package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivewatch/internal/config"
	"drivewatch/internal/model"
	"drivewatch/internal/notify"
	"drivewatch/internal/scoring"
	"drivewatch/internal/storage"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type countingStore struct {
	*storage.MemoryStore
	completes atomic.Int32
	offline   atomic.Int32
	liveness  atomic.Int32
	failScore bool
}

func (s *countingStore) CompleteSession(ctx context.Context, id string, at time.Time) (bool, error) {
	s.completes.Add(1)
	return s.MemoryStore.CompleteSession(ctx, id, at)
}

func (s *countingStore) SetDriverConnectivity(ctx context.Context, id string, online bool) error {
	if !online {
		s.offline.Add(1)
	}
	return s.MemoryStore.SetDriverConnectivity(ctx, id, online)
}

func (s *countingStore) UpdateDriverLiveness(ctx context.Context, id string, at time.Time) error {
	s.liveness.Add(1)
	return s.MemoryStore.UpdateDriverLiveness(ctx, id, at)
}

func (s *countingStore) AdjustSessionScore(ctx context.Context, id string, delta int) (int, error) {
	if s.failScore {
		return 0, errors.New("backend unavailable")
	}
	return s.MemoryStore.AdjustSessionScore(ctx, id, delta)
}

// slowStore stalls every event write for delay, ignoring ctx.
type slowStore struct {
	*countingStore
	delay time.Duration
}

func (s *slowStore) RecordEvent(ctx context.Context, ev model.Event) (string, error) {
	time.Sleep(s.delay)
	return s.countingStore.RecordEvent(ctx, ev)
}

// gatedStore blocks active-session lookups until gate is closed.
type gatedStore struct {
	*countingStore
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) FindActiveSession(ctx context.Context, driverID string) (*model.Session, error) {
	s.entered <- struct{}{}
	<-s.gate
	return s.countingStore.FindActiveSession(ctx, driverID)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.DriverOnline
	sent chan struct{}
}

func (n *recordingNotifier) NotifyDriverOnline(_ context.Context, msg notify.DriverOnline) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	n.sent <- struct{}{}
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func testOptions() Options {
	return Options{
		Heartbeat:      time.Hour,
		Recovery:       time.Hour,
		TimeoutCheck:   time.Hour,
		WarningCount:   5,
		Penalties:      scoring.DefaultPenaltyTable(),
		RecoveryPolicy: scoring.DefaultRecoveryPolicy(),
		Now:            func() time.Time { return base },
	}
}

func newStoreForTest(t *testing.T) (*countingStore, model.Driver) {
	t.Helper()
	st := &countingStore{MemoryStore: storage.NewMemory()}
	d := model.Driver{ID: "drv-1", Name: "Ada", DeviceID: "arduino-01", SafetyScore: 100}
	require.NoError(t, st.SaveDriver(context.Background(), d))
	return st, d
}

func newManagerForTest(t *testing.T, st storage.Store, d model.Driver, mode Mode, opts Options) *Manager {
	t.Helper()
	m := NewManager(st, d, mode, opts, Deps{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Stop(ctx, ReasonStop)
	})
	return m
}

func TestEnsureCreatesSessionAndMarksOnline(t *testing.T) {
	st, d := newStoreForTest(t)
	n := &recordingNotifier{sent: make(chan struct{}, 1)}
	m := NewManager(st, d, ModeCreate, testOptions(), Deps{Notifier: n})
	ctx := context.Background()

	mon, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.True(t, mon.Active())
	assert.True(t, mon.Owner())
	assert.Equal(t, 100, mon.Score())

	again, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Same(t, mon, again)

	sess, err := st.FindActiveSession(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, mon.ID(), sess.ID)
	assert.Equal(t, 100, sess.SafetyScore)

	drv, err := st.GetDriver(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, drv.Online)
	assert.Equal(t, model.DriverActive, drv.Status)

	select {
	case <-n.sent:
	case <-time.After(time.Second):
		t.Fatal("expected driver online notification")
	}
	assert.Equal(t, mon.ID(), n.msgs[0].SessionID)
	require.NoError(t, m.Stop(ctx, ReasonStop))
}

func TestEnsureAttachWithoutSession(t *testing.T) {
	st, d := newStoreForTest(t)
	m := newManagerForTest(t, st, d, ModeAttach, testOptions())
	_, err := m.Ensure(context.Background())
	assert.ErrorIs(t, err, model.ErrNoActiveSession)
	assert.Nil(t, m.Current())
}

func TestAttachSeedsPersistedScore(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, d.ID, d.DeviceID, 80, base)
	require.NoError(t, err)

	m := newManagerForTest(t, st, d, ModeAttach, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.False(t, mon.Owner())
	assert.Equal(t, 80, mon.Score())
}

func TestPenaltyRecoveryScenario(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)

	at := base.Add(time.Second)
	sample := &model.RawSample{Magnitude: model.Vector{Y: 3}, Type: model.EventHarshBrake, Count: 1, Timestamp: at}
	change, err := mon.ApplyEvent(model.Event{
		Type:      model.EventHarshBrake,
		Severity:  scoring.Classify(model.EventHarshBrake, model.Vector{Y: 3}),
		Magnitude: model.Vector{Y: 3},
		Count:     1,
		Source:    model.SourceSensor,
		Timestamp: at,
	}, sample)
	require.NoError(t, err)
	assert.Equal(t, 94, change.After)

	change = mon.recover(ctx, at.Add(12*time.Second))
	assert.Equal(t, 98, change.After)

	require.NoError(t, mon.Flush(ctx))
	sess, err := st.GetSession(ctx, mon.ID())
	require.NoError(t, err)
	assert.Equal(t, 98, sess.SafetyScore)
	drv, err := st.GetDriver(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 98, drv.SafetyScore)

	events, err := st.ListEvents(ctx, mon.ID(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityHigh, events[0].Severity)
	assert.Equal(t, d.ID, events[0].DriverID)
	samples := st.RawSamples()
	require.Len(t, samples, 1)
	assert.Equal(t, mon.ID(), samples[0].SessionID)
}

func TestWarningStatusAtCountThreshold(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)

	change, err := mon.ApplyEvent(model.Event{
		Type: model.EventAggressive, Severity: model.SeverityHigh, Count: 5,
		Source: model.SourceSensor, Timestamp: base.Add(time.Second),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 90, change.After)
	require.NoError(t, mon.Flush(ctx))

	drv, err := st.GetDriver(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DriverWarning, drv.Status)
}

func TestLivenessTimeoutCompletesSession(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)
	require.NoError(t, mon.Flush(ctx))

	assert.False(t, mon.checkTimeout(ctx, base.Add(300*time.Second)))
	assert.True(t, mon.checkTimeout(ctx, base.Add(301*time.Second)))

	select {
	case <-mon.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not finish after timeout")
	}
	assert.Equal(t, ReasonTimeout, mon.Reason())
	assert.Equal(t, StateCompleted, mon.State())

	sess, err := st.GetSession(ctx, mon.ID())
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	require.NotNil(t, sess.EndedAt)
	drv, err := st.GetDriver(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, drv.Online)
	assert.Equal(t, model.DriverInactive, drv.Status)
	assert.Nil(t, m.Current())

	_, err = mon.ApplyEvent(model.Event{Type: model.EventSwerving, Timestamp: base}, nil)
	assert.ErrorIs(t, err, model.ErrSessionCompleted)
}

func TestStopIsIdempotent(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, mon.Stop(ctx, ReasonStop))
		}()
	}
	wg.Wait()
	require.NoError(t, mon.Stop(ctx, ReasonStop))

	assert.Equal(t, int32(1), st.completes.Load())
	assert.Equal(t, int32(1), st.offline.Load())
	sess, err := st.GetSession(ctx, mon.ID())
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, sess.Status)
}

func TestJoinerReleasesWithoutCompleting(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, d.ID, d.DeviceID, 100, base)
	require.NoError(t, err)

	m := newManagerForTest(t, st, d, ModeAttach, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)
	require.NoError(t, mon.Stop(ctx, ReasonStop))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status)
	assert.Equal(t, int32(0), st.completes.Load())
}

func TestJoinerCompletesWhenConfigured(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, d.ID, d.DeviceID, 100, base)
	require.NoError(t, err)

	opts := testOptions()
	opts.CompleteOnRelease = true
	m := newManagerForTest(t, st, d, ModeAttach, opts)
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)
	require.NoError(t, mon.Stop(ctx, ReasonStop))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
}

func TestProducerLostCompletesJoinedSession(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, d.ID, d.DeviceID, 100, base)
	require.NoError(t, err)

	m := newManagerForTest(t, st, d, ModeAttach, testOptions())
	_, err = m.Ensure(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, ReasonProducerLost))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
}

func TestPersistenceFailureKeepsMemoryScore(t *testing.T) {
	st, d := newStoreForTest(t)
	st.failScore = true
	ctx := context.Background()
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)

	_, err = mon.ApplyEvent(model.Event{Type: model.EventDrowsy, Source: model.SourceVision, Timestamp: base}, nil)
	require.NoError(t, err)
	require.NoError(t, mon.Flush(ctx))
	assert.Equal(t, 90, mon.Score())

	sess, err := st.GetSession(ctx, mon.ID())
	require.NoError(t, err)
	assert.Equal(t, 100, sess.SafetyScore)
	events, err := st.ListEvents(ctx, mon.ID(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "event write is independent of the failed score write")
}

func TestSessionEndedElsewhereIsReleased(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())
	first, err := m.Ensure(ctx)
	require.NoError(t, err)

	_, err = st.MemoryStore.CompleteSession(ctx, first.ID(), base)
	require.NoError(t, err)
	assert.True(t, first.checkTimeout(ctx, base.Add(time.Second)))
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor not released")
	}
	assert.Equal(t, ReasonEndedElsewhere, first.Reason())
	assert.Equal(t, int32(0), st.completes.Load())

	second, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestTimersStopOnStop(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	opts := testOptions()
	opts.Heartbeat = 5 * time.Millisecond
	opts.Now = time.Now
	m := newManagerForTest(t, st, d, ModeCreate, opts)
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.liveness.Load() >= 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, mon.Stop(ctx, ReasonStop))
	after := st.liveness.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, st.liveness.Load(), "heartbeat kept running after stop")
}

func TestRecoveryFollowsOtherProducer(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)

	_, err = mon.ApplyEvent(model.Event{Type: model.EventHarshBrake, Timestamp: base}, nil)
	require.NoError(t, err)
	require.NoError(t, mon.Flush(ctx))

	// the vision process records an event 8s later
	_, err = st.RecordEvent(ctx, model.Event{SessionID: mon.ID(), Type: model.EventDistracted, Timestamp: base.Add(8 * time.Second)})
	require.NoError(t, err)

	change := mon.recover(ctx, base.Add(12*time.Second))
	assert.False(t, change.Changed())
	change = mon.recover(ctx, base.Add(13*time.Second))
	assert.Equal(t, 96, change.After)
}

func TestResolveDriverAutoRegisters(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	dev := config.DeviceConfig{DeviceID: "arduino-09", AutoRegister: true}
	d, err := ResolveDriver(ctx, st, dev)
	require.NoError(t, err)
	assert.Equal(t, "arduino-09", d.DeviceID)
	assert.NotEmpty(t, d.ID)

	again, err := ResolveDriver(ctx, st, dev)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)

	_, err = ResolveDriver(ctx, st, config.DeviceConfig{DeviceID: "arduino-10"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSharedSessionScoreAcrossProcesses(t *testing.T) {
	st, d := newStoreForTest(t)
	ctx := context.Background()
	sensor := newManagerForTest(t, st, d, ModeCreate, testOptions())
	sensorMon, err := sensor.Ensure(ctx)
	require.NoError(t, err)
	vision := newManagerForTest(t, st, d, ModeAttach, testOptions())
	visionMon, err := vision.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, sensorMon.ID(), visionMon.ID())

	stored := func() int {
		t.Helper()
		sess, err := st.GetSession(ctx, sensorMon.ID())
		require.NoError(t, err)
		return sess.SafetyScore
	}
	apply := func(mon *Monitor, typ model.EventType) scoring.Change {
		t.Helper()
		change, err := mon.ApplyEvent(model.Event{Type: typ, Timestamp: base}, nil)
		require.NoError(t, err)
		return change
	}

	apply(sensorMon, model.EventAggressive)
	apply(sensorMon, model.EventAggressive)
	assert.Equal(t, 80, stored())

	change := apply(visionMon, model.EventDistracted)
	assert.Equal(t, 74, change.After)
	assert.Equal(t, 80, change.Before)
	assert.Equal(t, 74, stored())
	assert.Equal(t, 74, visionMon.Score())

	change = apply(sensorMon, model.EventSwerving)
	assert.Equal(t, 72, change.After)
	assert.Equal(t, 72, stored())
	assert.Equal(t, 72, sensorMon.Score())
}

func TestStopCompletesDespiteSlowWrites(t *testing.T) {
	cs, d := newStoreForTest(t)
	st := &slowStore{countingStore: cs, delay: 500 * time.Millisecond}
	ctx := context.Background()
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())
	mon, err := m.Ensure(ctx)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := mon.ApplyEvent(model.Event{Type: model.EventSwerving, Timestamp: base}, nil)
		require.NoError(t, err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, mon.Stop(stopCtx, ReasonStop))

	sess, err := st.GetSession(ctx, mon.ID())
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	drv, err := st.GetDriver(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, drv.Online)
}

func TestCurrentDoesNotWaitOnLookup(t *testing.T) {
	cs, d := newStoreForTest(t)
	st := &gatedStore{countingStore: cs, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	m := newManagerForTest(t, st, d, ModeCreate, testOptions())

	type result struct {
		mon *Monitor
		err error
	}
	ensured := make(chan result, 1)
	go func() {
		mon, err := m.Ensure(context.Background())
		ensured <- result{mon, err}
	}()
	<-st.entered

	current := make(chan *Monitor, 1)
	go func() { current <- m.Current() }()
	select {
	case mon := <-current:
		assert.Nil(t, mon)
	case <-time.After(time.Second):
		t.Fatal("Current blocked behind an in-flight lookup")
	}

	close(st.gate)
	res := <-ensured
	require.NoError(t, res.err)
	assert.Same(t, res.mon, m.Current())
}
