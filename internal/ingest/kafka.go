package ingest

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"drivewatch/internal/config"
	"drivewatch/internal/model"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaLink consumes frames published by a gateway, one frame per message.
type KafkaLink struct {
	linkBase
	cfg    config.KafkaLinkConfig
	reader messageReader
}

func NewKafkaLink(cfg config.KafkaLinkConfig, base linkBase) *KafkaLink {
	return &KafkaLink{linkBase: base, cfg: cfg}
}

func (k *KafkaLink) Name() string { return "kafka" }

func (k *KafkaLink) Run(ctx context.Context, out chan<- model.Notification) error {
	reader := k.reader
	if reader == nil {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.cfg.Brokers,
			Topic:    k.cfg.Topic,
			GroupID:  k.cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}
	defer reader.Close()
	if k.logger != nil {
		k.logger.Info("consuming sensor frames", "brokers", k.cfg.Brokers, "topic", k.cfg.Topic, "group_id", k.cfg.GroupID)
	}
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return linkLost(k.Name(), err)
			}
			if k.logger != nil {
				k.logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		if !k.emit(ctx, out, string(m.Value), k.Name()) {
			return nil
		}
	}
}
