// Package ingest turns the sensor link into a stream of notifications.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"drivewatch/internal/config"
	"drivewatch/internal/metrics"
	"drivewatch/internal/model"
)

// Producer feeds notifications until ctx ends or its source goes away.
// A nil return is a clean end of input; ErrLinkLost means the device
// disconnected.
type Producer interface {
	Run(ctx context.Context, out chan<- model.Notification) error
	Name() string
}

// NewProducer builds the sensor link selected by cfg.Sensor.Link.
func NewProducer(cfg *config.Config, logger *slog.Logger, rec *metrics.Recorder) (Producer, error) {
	base := newLinkBase(logger, rec)
	switch cfg.Sensor.Link {
	case "", "tcp":
		return NewTCPLink(cfg.Sensor.TCP.Addr, base), nil
	case "replay":
		return NewFileReplay(cfg.Sensor.Replay, base), nil
	case "kafka":
		return NewKafkaLink(cfg.Sensor.Kafka, base), nil
	case "http":
		return NewHTTPLink(cfg.Sensor.HTTP.Addr, base), nil
	}
	return nil, fmt.Errorf("unsupported sensor link %q", cfg.Sensor.Link)
}

// linkBase carries what every link needs to turn a line into a notification.
type linkBase struct {
	parser *Parser
	logger *slog.Logger
	rec    *metrics.Recorder
}

func newLinkBase(logger *slog.Logger, rec *metrics.Recorder) linkBase {
	return linkBase{parser: NewParser(), logger: logger, rec: rec}
}

// emit parses one line and forwards it. Malformed lines are dropped, logged
// and counted. It reports false once ctx is done.
func (b linkBase) emit(ctx context.Context, out chan<- model.Notification, line, link string) bool {
	n, err := b.parser.ParseLine(line)
	if err != nil {
		b.malformed(err, line, link)
		return ctx.Err() == nil
	}
	if n == nil {
		return ctx.Err() == nil
	}
	return Send(ctx, out, *n)
}

func (b linkBase) malformed(err error, line, link string) {
	b.rec.Malformed(string(model.SourceSensor))
	if b.logger != nil {
		b.logger.Warn("malformed frame dropped", "link", link, "frame", line, "err", err)
	}
}

// Send blocks until n is delivered or ctx ends. Sensor frames are ordered
// and low-rate, so the link applies backpressure instead of dropping.
func Send(ctx context.Context, out chan<- model.Notification, n model.Notification) bool {
	select {
	case out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

// SendNonBlocking drops n when out is full.
func SendNonBlocking(ctx context.Context, out chan<- model.Notification, n model.Notification, logger *slog.Logger) bool {
	select {
	case out <- n:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("notification channel full, dropping frame", "kind", n.Kind, "type", n.Type, "at", n.At)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// linkLost wraps cause so callers can match model.ErrLinkLost.
func linkLost(link string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", link, model.ErrLinkLost)
	}
	if errors.Is(cause, model.ErrLinkLost) {
		return cause
	}
	return fmt.Errorf("%s: %w: %v", link, model.ErrLinkLost, cause)
}
