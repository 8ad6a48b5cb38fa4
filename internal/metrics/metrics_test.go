package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	r.Accepted("sensor", "HARSH_BRAKE", "high")
	r.Accepted("sensor", "HARSH_BRAKE", "high")
	r.Deduplicated("sensor", "HARSH_BRAKE")
	r.Score("drv-1", 94)
	r.Recovered(4)
	if got := testutil.ToFloat64(r.EventsAccepted.WithLabelValues("sensor", "HARSH_BRAKE", "high")); got != 2 {
		t.Fatalf("accepted: %v", got)
	}
	if got := testutil.ToFloat64(r.SafetyScore.WithLabelValues("drv-1")); got != 94 {
		t.Fatalf("score gauge: %v", got)
	}
	if got := testutil.ToFloat64(r.RecoveryPoints); got != 4 {
		t.Fatalf("recovery points: %v", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Accepted("sensor", "SWERVING", "low")
	r.Missed("vision")
	r.PersistFailed("record_event")
}

func TestDoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewRecorder(reg); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := NewRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestStoreEvictsOldestSession(t *testing.T) {
	s := NewStore(2)
	s.Update("a", ScorePoint{Score: 100, At: time.Now()})
	time.Sleep(2 * time.Millisecond)
	s.Update("b", ScorePoint{Score: 94, At: time.Now()})
	time.Sleep(2 * time.Millisecond)
	s.Update("c", ScorePoint{Score: 90, At: time.Now()})
	if _, _, ok := s.Get("a"); ok {
		t.Fatalf("expected oldest session evicted")
	}
	p, ok := s.Latest("c")
	if !ok || p.Score != 90 {
		t.Fatalf("latest: %+v %v", p, ok)
	}
}
