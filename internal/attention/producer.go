package attention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"drivewatch/internal/model"
)

// Producer polls a Detector on a fixed cadence and emits attention
// notifications.
type Producer struct {
	detector Detector
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewProducer(detector Detector, tracker *Tracker, interval time.Duration, logger *slog.Logger) *Producer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Producer{detector: detector, tracker: tracker, interval: interval, logger: logger, now: time.Now}
}

func (p *Producer) Name() string { return "vision" }

// Run returns nil when ctx ends and ErrCameraUnavailable when the detector
// goes away.
func (p *Producer) Run(ctx context.Context, out chan<- model.Notification) error {
	defer p.detector.Close()
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if err := p.poll(ctx, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (p *Producer) poll(ctx context.Context, out chan<- model.Notification) error {
	obs, err := p.detector.Detect(ctx)
	if errors.Is(err, ErrNoFrame) {
		return nil
	}
	if err != nil {
		return err
	}
	alert, ok := p.tracker.Observe(obs)
	if !ok {
		return nil
	}
	if p.logger != nil {
		p.logger.Info("inattention detected", "event_type", alert.Type, "description", alert.Description)
	}
	n := model.Notification{
		Kind:   model.KindAttention,
		Type:   alert.Type,
		Label:  alert.Description,
		At:     p.now().UTC(),
		Source: model.SourceVision,
	}
	select {
	case out <- n:
	case <-ctx.Done():
	}
	return nil
}
