package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"drivewatch/internal/model"
	"drivewatch/internal/storage"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "drivewatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRunReplayCompletesSession(t *testing.T) {
	dir := t.TempDir()
	frames := filepath.Join(dir, "frames.log")
	data := "0,3,0,HARSH_BRAKE,1\nnot a frame\n1.6,0,0,AGGRESSIVE,5\nSTATUS:Normal:6\n"
	if err := os.WriteFile(frames, []byte(data), 0o644); err != nil {
		t.Fatalf("write frames: %v", err)
	}
	cfgPath := writeConfig(t, dir, `
device:
  device_id: arduino-01
  driver_id: drv-1
  driver_name: Ada
  auto_register: true
sensor:
  link: replay
  replay:
    file: `+frames+`
storage:
  driver: memory
api:
  enabled: false
`)
	store := storage.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Run(ctx, Options{
		Source:     model.SourceSensor,
		ConfigPath: cfgPath,
		Store:      store,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	d, err := store.FindDriverByDevice(context.Background(), "arduino-01")
	if err != nil || d == nil {
		t.Fatalf("driver not registered: %v", err)
	}
	if d.SafetyScore != 84 {
		t.Fatalf("expected driver score 84, got %d", d.SafetyScore)
	}
	if d.Online || d.Status != model.DriverInactive {
		t.Fatalf("expected offline inactive driver, got %+v", d)
	}
	active, _ := store.FindActiveSession(context.Background(), d.ID)
	if active != nil {
		t.Fatalf("session should be completed")
	}
}

type lostProducer struct{}

func (lostProducer) Name() string { return "tcp" }

func (lostProducer) Run(ctx context.Context, out chan<- model.Notification) error {
	out <- model.Notification{Kind: model.KindSample, Type: model.EventSwerving, Count: 1}
	return model.ErrLinkLost
}

func TestRunProducerLost(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
device:
  device_id: arduino-02
storage:
  driver: memory
api:
  enabled: false
`)
	store := storage.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Run(ctx, Options{
		Source:     model.SourceSensor,
		ConfigPath: cfgPath,
		Store:      store,
		Producer:   lostProducer{},
		Logger:     quietLogger(),
	})
	if !errors.Is(err, model.ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", err)
	}
	d, _ := store.FindDriverByDevice(context.Background(), "arduino-02")
	if d == nil {
		t.Fatalf("driver not registered")
	}
	if active, _ := store.FindActiveSession(context.Background(), d.ID); active != nil {
		t.Fatalf("producer loss should complete the session")
	}
}

func TestEndReason(t *testing.T) {
	ctx := context.Background()
	if r := endReason(ctx, nil); r != "stop" {
		t.Fatalf("clean end: %s", r)
	}
	if r := endReason(ctx, model.ErrCameraUnavailable); r != "producer_lost" {
		t.Fatalf("camera: %s", r)
	}
	if r := endReason(ctx, errors.New("boom")); r != "ingest_failure" {
		t.Fatalf("other: %s", r)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if r := endReason(cancelled, model.ErrLinkLost); r != "stop" {
		t.Fatalf("cancelled: %s", r)
	}
}
