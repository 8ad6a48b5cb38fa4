package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"drivewatch/internal/config"
)

// Notifier tells the outside world that a driver came online.
type Notifier interface {
	NotifyDriverOnline(ctx context.Context, msg DriverOnline) error
	Close() error
}

type DriverOnline struct {
	DriverID   string    `json:"driver_id"`
	DriverName string    `json:"driver_name,omitempty"`
	Email      string    `json:"email,omitempty"`
	DeviceID   string    `json:"device_id"`
	SessionID  string    `json:"session_id"`
	At         time.Time `json:"at"`
}

func New(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if cfg.Kafka.Enabled {
		return NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	return &LogNotifier{logger: logger}
}

// KafkaNotifier publishes DriverOnline messages as JSON, keyed by driver id.
type KafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaNotifier{writer: writer}
}

func (n *KafkaNotifier) NotifyDriverOnline(ctx context.Context, msg DriverOnline) error {
	if n == nil || n.writer == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.DriverID),
		Value: payload,
	})
}

func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}

type LogNotifier struct {
	logger *slog.Logger
}

func (n *LogNotifier) NotifyDriverOnline(_ context.Context, msg DriverOnline) error {
	if n.logger != nil {
		n.logger.Info("driver online",
			"driver_id", msg.DriverID,
			"device_id", msg.DeviceID,
			"session_id", msg.SessionID,
		)
	}
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Dispatch sends msg in the background. Failures are logged and never reach
// the caller.
func Dispatch(n Notifier, msg DriverOnline, timeout time.Duration, logger *slog.Logger) <-chan error {
	done := make(chan error, 1)
	if n == nil {
		done <- nil
		close(done)
		return done
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := n.NotifyDriverOnline(ctx, msg)
		if err != nil && logger != nil {
			logger.Warn("driver online notification failed", "driver_id", msg.DriverID, "err", err)
		}
		done <- err
	}()
	return done
}
