package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed width so text timestamps sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func newID() string {
	return uuid.NewString()
}

func encodeText(t time.Time) any {
	return t.UTC().Format(tsLayout)
}

func decodeTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseText(v)
	case []byte:
		return parseText(string(v))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp value %T", raw)
	}
}

func decodeNullTime(raw any) (*time.Time, error) {
	t, err := decodeTime(raw)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func parseText(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{tsLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", s)
}
