// Package attention turns camera observations into inattention
// notifications for the vision producer.
package attention

import (
	"sync"

	"drivewatch/internal/model"
)

// Observation is one detection cycle's result from the face/eye detector.
type Observation struct {
	Faces        int     `json:"faces"`
	Eyes         int     `json:"eyes"`
	EyeFaceRatio float64 `json:"eye_face_ratio"`
}

// Alert is emitted once a counter reaches the frame threshold.
type Alert struct {
	Type        model.EventType
	Description string
}

// Tracker holds the consecutive-frame counters.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	ratio     float64
	noFace    int
	closedEye int
}

func NewTracker(framesForAlert int, closedEyeRatio float64) *Tracker {
	if framesForAlert <= 0 {
		framesForAlert = 3
	}
	if closedEyeRatio <= 0 {
		closedEyeRatio = 0.0003
	}
	return &Tracker{threshold: framesForAlert, ratio: closedEyeRatio}
}

// Observe feeds one frame and returns an alert when a counter fires.
func (t *Tracker) Observe(o Observation) (Alert, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if o.Faces <= 0 {
		t.closedEye = 0
		t.noFace++
		if t.noFace >= t.threshold {
			t.noFace = 0
			return Alert{Type: model.EventDistracted, Description: "No face detected - looking away"}, true
		}
		return Alert{}, false
	}

	var alert Alert
	switch {
	case o.Eyes >= 2 && o.EyeFaceRatio >= t.ratio:
		t.closedEye = 0
		t.noFace = 0
		return Alert{}, false
	case o.Eyes >= 2:
		alert = Alert{Type: model.EventDrowsy, Description: "Eyes closed - driver drowsy"}
	case o.Eyes == 1:
		alert = Alert{Type: model.EventEyesClosed, Description: "Only one eye detected"}
	default:
		alert = Alert{Type: model.EventEyesClosed, Description: "No eyes detected in face"}
	}
	t.closedEye++
	if t.closedEye >= t.threshold {
		t.closedEye = 0
		return alert, true
	}
	return Alert{}, false
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.noFace = 0
	t.closedEye = 0
	t.mu.Unlock()
}
