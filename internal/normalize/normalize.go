package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"drivewatch/internal/model"
)

// FrameFields holds the raw text pieces of one decoded frame.
type FrameFields struct {
	Kind      model.Kind
	Type      string
	Label     string
	Count     string
	X, Y, Z   string
	Timestamp string
	Raw       string
}

// Normalize converts parsed fields into a Notification. Numeric fields that
// fail to parse make the whole frame malformed.
func Normalize(fields FrameFields, now time.Time, loc *time.Location) (model.Notification, error) {
	n := model.Notification{
		Kind:   fields.Kind,
		At:     now.UTC(),
		Source: model.SourceSensor,
		Raw:    fields.Raw,
	}
	if fields.Timestamp != "" {
		if loc == nil {
			loc = time.UTC
		}
		ts, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Notification{}, fmt.Errorf("%w: timestamp: %v", model.ErrMalformedFrame, err)
		}
		n.At = ts.UTC()
	}
	count, err := parseCount(fields.Count)
	if err != nil {
		return model.Notification{}, err
	}
	n.Count = count

	switch fields.Kind {
	case model.KindEvent:
		n.Type = EventType(fields.Type)
		if n.Type == "" {
			return model.Notification{}, fmt.Errorf("%w: empty event type", model.ErrMalformedFrame)
		}
	case model.KindStatus:
		n.Label = strings.TrimSpace(fields.Label)
	case model.KindSample:
		n.Type = EventType(fields.Type)
		x, errX := parseAxis(fields.X)
		y, errY := parseAxis(fields.Y)
		z, errZ := parseAxis(fields.Z)
		if err := errors.Join(errX, errY, errZ); err != nil {
			return model.Notification{}, err
		}
		n.Magnitude = model.Vector{X: x, Y: y, Z: z}
	default:
		return model.Notification{}, fmt.Errorf("%w: unknown kind %q", model.ErrMalformedFrame, fields.Kind)
	}
	return n, nil
}

func parseCount(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: count %q", model.ErrMalformedFrame, s)
	}
	return v, nil
}

func parseAxis(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: axis %q", model.ErrMalformedFrame, s)
	}
	return v, nil
}

var typeAliases = map[string]model.EventType{
	"HARSH_BRAKE":      model.EventHarshBrake,
	"HARSH_BRAKING":    model.EventHarshBrake,
	"BRAKE":            model.EventHarshBrake,
	"AGGRESSIVE":       model.EventAggressive,
	"AGGRESSIVE_ACCEL": model.EventAggressive,
	"ACCEL":            model.EventAggressive,
	"SWERVING":         model.EventSwerving,
	"SWERVE":           model.EventSwerving,
	"DROWSY":           model.EventDrowsy,
	"EYES_CLOSED":      model.EventEyesClosed,
	"DISTRACTED":       model.EventDistracted,
}

// EventType canonicalizes a type token. Unknown non-empty tokens are kept
// upper-cased so they still classify as low severity.
func EventType(raw string) model.EventType {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if key == "" {
		return ""
	}
	if t, ok := typeAliases[key]; ok {
		return t
	}
	return model.EventType(key)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

// LooksLikeTimestamp is a cheap prefilter used before ParseTimestamp.
func LooksLikeTimestamp(value string) bool {
	if isNumeric(value) {
		return len(value) >= 10
	}
	return len(value) >= 19 && value[4] == '-' && value[7] == '-'
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
