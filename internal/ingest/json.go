package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"drivewatch/internal/model"
	"drivewatch/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.FrameFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj)
}

// ParseJSONMap accepts either {"frame": "<text frame>"} or a structured
// object with kind/type/label/count/x/y/z/ts keys.
func ParseJSONMap(obj map[string]interface{}) (*normalize.FrameFields, error) {
	kv := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		kv[strings.ToLower(key)] = fmt.Sprint(val)
	}
	ts := firstNonEmpty(kv, "timestamp", "time", "ts")
	if frame := firstNonEmpty(kv, "frame", "line", "raw"); frame != "" {
		fields, err := parseFrame(strings.TrimSpace(frame))
		if err != nil {
			return nil, err
		}
		fields.Timestamp = ts
		return fields, nil
	}
	fields := &normalize.FrameFields{
		Kind:      model.Kind(strings.ToLower(firstNonEmpty(kv, "kind"))),
		Type:      firstNonEmpty(kv, "type", "event_type", "event"),
		Label:     firstNonEmpty(kv, "label", "status"),
		Count:     firstNonEmpty(kv, "count", "event_count"),
		X:         firstNonEmpty(kv, "x", "ax"),
		Y:         firstNonEmpty(kv, "y", "ay"),
		Z:         firstNonEmpty(kv, "z", "az"),
		Timestamp: ts,
	}
	if fields.Kind == "" {
		switch {
		case fields.X != "" || fields.Y != "" || fields.Z != "":
			fields.Kind = model.KindSample
		case fields.Label != "":
			fields.Kind = model.KindStatus
		default:
			fields.Kind = model.KindEvent
		}
	}
	if fields.Kind == model.KindSample {
		for _, axis := range []*string{&fields.X, &fields.Y, &fields.Z} {
			if *axis == "" {
				*axis = "0"
			}
		}
	}
	return fields, nil
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
