package scoring

import "drivewatch/internal/model"

const (
	harshBrakeHighMagnitude = 2.0
	swervingMediumMagnitude = 1.5
)

// Classify maps an event and its acceleration vector to a severity. Vision
// events carry a zero vector.
func Classify(t model.EventType, v model.Vector) model.Severity {
	m := v.Magnitude()
	switch t {
	case model.EventHarshBrake:
		if m > harshBrakeHighMagnitude {
			return model.SeverityHigh
		}
		return model.SeverityMedium
	case model.EventAggressive:
		return model.SeverityHigh
	case model.EventSwerving:
		if m > swervingMediumMagnitude {
			return model.SeverityMedium
		}
		return model.SeverityLow
	case model.EventDrowsy, model.EventEyesClosed:
		return model.SeverityHigh
	case model.EventDistracted:
		return model.SeverityMedium
	}
	return model.SeverityLow
}
