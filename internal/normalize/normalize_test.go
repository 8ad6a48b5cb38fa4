package normalize

import (
	"errors"
	"testing"
	"time"

	"drivewatch/internal/model"
)

func TestEventTypeAliases(t *testing.T) {
	cases := map[string]model.EventType{
		"harsh-brake": model.EventHarshBrake,
		" BRAKE ":     model.EventHarshBrake,
		"accel":       model.EventAggressive,
		"Swerve":      model.EventSwerving,
		"eyes closed": model.EventEyesClosed,
		"LANE_DRIFT":  "LANE_DRIFT",
		"":            "",
	}
	for in, want := range cases {
		if got := EventType(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestNormalizeUsesFrameTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	n, err := Normalize(FrameFields{Kind: model.KindEvent, Type: "DROWSY", Count: "2", Timestamp: "1700000000000"}, now, time.UTC)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if n.At.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected timestamp %s", n.At)
	}
	if n.Source != model.SourceSensor || n.Count != 2 {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestNormalizeRejectsBadFields(t *testing.T) {
	now := time.Now()
	bad := []FrameFields{
		{Kind: model.KindEvent, Type: "DROWSY", Count: "x"},
		{Kind: model.KindEvent, Type: "DROWSY", Timestamp: "yesterday"},
		{Kind: model.KindSample, X: "1", Y: "?", Z: "0"},
		{Kind: "bogus"},
	}
	for _, f := range bad {
		if _, err := Normalize(f, now, nil); !errors.Is(err, model.ErrMalformedFrame) {
			t.Fatalf("%+v: expected ErrMalformedFrame, got %v", f, err)
		}
	}
}

func TestLooksLikeTimestamp(t *testing.T) {
	if !LooksLikeTimestamp("2026-02-23T12:34:56Z") || !LooksLikeTimestamp("1700000000") {
		t.Fatalf("expected timestamps to be recognized")
	}
	if LooksLikeTimestamp("EVENT:HARSH_BRAKE:1") || LooksLikeTimestamp("42") {
		t.Fatalf("expected non-timestamps to be rejected")
	}
}
