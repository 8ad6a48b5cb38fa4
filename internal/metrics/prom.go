package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "drivewatch"

// Recorder exposes pipeline counters to Prometheus. A nil *Recorder is a
// valid no-op.
type Recorder struct {
	EventsAccepted     *prometheus.CounterVec
	EventsDeduplicated *prometheus.CounterVec
	EventsMissed       *prometheus.CounterVec
	FramesMalformed    *prometheus.CounterVec
	PersistFailures    *prometheus.CounterVec
	WritesDropped      prometheus.Counter
	RecoveryPoints     prometheus.Counter
	SafetyScore        *prometheus.GaugeVec
	SessionsCompleted  *prometheus.CounterVec
}

func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		EventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_accepted_total",
			Help:      "Events that passed the cooldown and were scored.",
		}, []string{"source", "type", "severity"}),
		EventsDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deduplicated_total",
			Help:      "Notifications dropped inside the per-type cooldown.",
		}, []string{"source", "type"}),
		EventsMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_missed_total",
			Help:      "Accepted events dropped because no session was active.",
		}, []string{"source"}),
		FramesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Inbound frames that matched no grammar.",
		}, []string{"source"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed best-effort store writes.",
		}, []string{"op"}),
		WritesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_dropped_total",
			Help:      "Store writes dropped because the write queue was full.",
		}),
		RecoveryPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_points_total",
			Help:      "Score points granted by recovery ticks.",
		}),
		SafetyScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_score",
			Help:      "Current in-memory safety score of the monitored session.",
		}, []string{"driver_id"}),
		SessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Sessions moved to completed by this process.",
		}, []string{"reason"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			r.EventsAccepted, r.EventsDeduplicated, r.EventsMissed, r.FramesMalformed,
			r.PersistFailures, r.WritesDropped, r.RecoveryPoints, r.SafetyScore, r.SessionsCompleted,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Recorder) Accepted(source, typ, severity string) {
	if r != nil {
		r.EventsAccepted.WithLabelValues(source, typ, severity).Inc()
	}
}

func (r *Recorder) Deduplicated(source, typ string) {
	if r != nil {
		r.EventsDeduplicated.WithLabelValues(source, typ).Inc()
	}
}

func (r *Recorder) Missed(source string) {
	if r != nil {
		r.EventsMissed.WithLabelValues(source).Inc()
	}
}

func (r *Recorder) Malformed(source string) {
	if r != nil {
		r.FramesMalformed.WithLabelValues(source).Inc()
	}
}

func (r *Recorder) PersistFailed(op string) {
	if r != nil {
		r.PersistFailures.WithLabelValues(op).Inc()
	}
}

func (r *Recorder) WriteDropped() {
	if r != nil {
		r.WritesDropped.Inc()
	}
}

func (r *Recorder) Recovered(points int) {
	if r != nil && points > 0 {
		r.RecoveryPoints.Add(float64(points))
	}
}

func (r *Recorder) Score(driverID string, score int) {
	if r != nil {
		r.SafetyScore.WithLabelValues(driverID).Set(float64(score))
	}
}

func (r *Recorder) Completed(reason string) {
	if r != nil {
		r.SessionsCompleted.WithLabelValues(reason).Inc()
	}
}
