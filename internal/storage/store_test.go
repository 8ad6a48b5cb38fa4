package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivewatch/internal/config"
	"drivewatch/internal/model"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewStore(config.StorageConfig{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "drivewatch.db") + "?_pragma=busy_timeout(5000)",
	})
	require.NoError(t, err)
	mem, err := NewStore(config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	out := map[string]Store{"sqlite": sqlite, "memory": mem}
	for _, s := range out {
		require.NoError(t, s.Init(context.Background()))
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return out
}

func seedDriver(t *testing.T, s Store) model.Driver {
	t.Helper()
	d := model.Driver{ID: "drv-1", Name: "Ada", DeviceID: "arduino-01", SafetyScore: 100}
	require.NoError(t, s.SaveDriver(context.Background(), d))
	return d
}

func TestDriverLookupByDevice(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedDriver(t, s)
			got, err := s.FindDriverByDevice(ctx, "arduino-01")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "drv-1", got.ID)
			assert.Equal(t, model.DriverInactive, got.Status)
			assert.False(t, got.Online)

			missing, err := s.FindDriverByDevice(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := seedDriver(t, s)
			start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

			none, err := s.FindActiveSession(ctx, d.ID)
			require.NoError(t, err)
			assert.Nil(t, none)

			sess, err := s.CreateSession(ctx, d.ID, d.DeviceID, 100, start)
			require.NoError(t, err)
			require.NotEmpty(t, sess.ID)

			active, err := s.FindActiveSession(ctx, d.ID)
			require.NoError(t, err)
			require.NotNil(t, active)
			assert.Equal(t, sess.ID, active.ID)
			assert.True(t, active.StartedAt.Equal(start))

			score, err := s.AdjustSessionScore(ctx, sess.ID, -6)
			require.NoError(t, err)
			assert.Equal(t, 94, score)
			end := start.Add(10 * time.Minute)
			done, err := s.CompleteSession(ctx, sess.ID, end)
			require.NoError(t, err)
			assert.True(t, done)

			again, err := s.CompleteSession(ctx, sess.ID, end.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, again, "second completion must be a no-op")

			got, err := s.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, model.SessionCompleted, got.Status)
			assert.Equal(t, 94, got.SafetyScore)
			require.NotNil(t, got.EndedAt)
			assert.True(t, got.EndedAt.Equal(end))

			after, err := s.FindActiveSession(ctx, d.ID)
			require.NoError(t, err)
			assert.Nil(t, after)
		})
	}
}

func TestAdjustSessionScoreClamps(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := seedDriver(t, s)
			sess, err := s.CreateSession(ctx, d.ID, d.DeviceID, 100, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
			require.NoError(t, err)

			score, err := s.AdjustSessionScore(ctx, sess.ID, 4)
			require.NoError(t, err)
			assert.Equal(t, 100, score)

			score, err = s.AdjustSessionScore(ctx, sess.ID, -96)
			require.NoError(t, err)
			assert.Equal(t, 4, score)

			score, err = s.AdjustSessionScore(ctx, sess.ID, -10)
			require.NoError(t, err)
			assert.Equal(t, 0, score)

			got, err := s.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, got.SafetyScore)

			_, err = s.AdjustSessionScore(ctx, "missing", -6)
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestEventsAndLatest(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := seedDriver(t, s)
			start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
			sess, err := s.CreateSession(ctx, d.ID, d.DeviceID, 100, start)
			require.NoError(t, err)

			latest, err := s.LatestEventAt(ctx, sess.ID)
			require.NoError(t, err)
			assert.True(t, latest.IsZero())

			for i, typ := range []model.EventType{model.EventHarshBrake, model.EventDistracted} {
				_, err := s.RecordEvent(ctx, model.Event{
					SessionID: sess.ID,
					DriverID:  d.ID,
					DeviceID:  d.DeviceID,
					Type:      typ,
					Severity:  model.SeverityHigh,
					Magnitude: model.Vector{Y: 3},
					Count:     i + 1,
					Source:    model.SourceSensor,
					Timestamp: start.Add(time.Duration(i+1) * 7 * time.Second),
				})
				require.NoError(t, err)
			}
			require.NoError(t, s.RecordRawSample(ctx, model.RawSample{
				SessionID: sess.ID, DeviceID: d.DeviceID, Magnitude: model.Vector{Y: 3},
				Type: model.EventHarshBrake, Count: 1, Timestamp: start.Add(7 * time.Second),
			}))

			latest, err = s.LatestEventAt(ctx, sess.ID)
			require.NoError(t, err)
			assert.True(t, latest.Equal(start.Add(14*time.Second)), "latest=%s", latest)

			list, err := s.ListEvents(ctx, sess.ID, 10)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, model.EventDistracted, list[0].Type)
			assert.Equal(t, 3.0, list[1].Magnitude.Y)
		})
	}
}

func TestDriverNarrowUpdates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := seedDriver(t, s)
			at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

			live, err := s.DriverLiveness(ctx, d.ID)
			require.NoError(t, err)
			assert.True(t, live.IsZero())

			require.NoError(t, s.UpdateDriverLiveness(ctx, d.ID, at))
			require.NoError(t, s.UpdateDriverScore(ctx, d.ID, 88, at))
			require.NoError(t, s.SetDriverStatus(ctx, d.ID, model.DriverWarning))
			require.NoError(t, s.SetDriverConnectivity(ctx, d.ID, true))

			got, err := s.GetDriver(ctx, d.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 88, got.SafetyScore)
			assert.Equal(t, model.DriverWarning, got.Status)
			assert.True(t, got.Online)
			require.NotNil(t, got.LastHeartbeatAt)
			assert.True(t, got.LastHeartbeatAt.Equal(at))
			assert.Equal(t, "Ada", got.Name)

			require.NoError(t, s.SetDriverConnectivity(ctx, d.ID, false))
			got, err = s.GetDriver(ctx, d.ID)
			require.NoError(t, err)
			assert.False(t, got.Online)

			_, err = s.DriverLiveness(ctx, "ghost")
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestRebindPlaceholders(t *testing.T) {
	b := &baseStore{numbered: true}
	got := b.q(`UPDATE sessions SET safety_score = ? WHERE id = ?`)
	assert.Equal(t, `UPDATE sessions SET safety_score = $1 WHERE id = $2`, got)
	plain := &baseStore{}
	assert.Equal(t, `SELECT ?`, plain.q(`SELECT ?`))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewStore(config.StorageConfig{Driver: "oracle"})
	assert.Error(t, err)
}
