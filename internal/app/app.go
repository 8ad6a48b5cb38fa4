// Package app wires one monitor process: config, store, session manager,
// engine, producer and the ops API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"drivewatch/internal/api"
	"drivewatch/internal/attention"
	"drivewatch/internal/config"
	"drivewatch/internal/engine"
	"drivewatch/internal/feed"
	"drivewatch/internal/ingest"
	"drivewatch/internal/logging"
	"drivewatch/internal/metrics"
	"drivewatch/internal/model"
	"drivewatch/internal/notify"
	"drivewatch/internal/session"
	"drivewatch/internal/storage"
)

// Producer is satisfied by the sensor links and the vision producer.
type Producer interface {
	Run(ctx context.Context, out chan<- model.Notification) error
	Name() string
}

type Options struct {
	Source     model.Source
	ConfigPath string
	EnvFiles   []string
	Version    string

	// Store and Producer replace the configured ones when set.
	Store    storage.Store
	Producer Producer
	Logger   *slog.Logger
}

// Run blocks until ctx ends or the producer stops. A lost producer
// completes the session and is returned as an error.
func Run(ctx context.Context, opts Options) error {
	if err := config.LoadDotEnv(opts.EnvFiles...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	cfgMgr, err := config.NewManager(config.ResolvePath(opts.ConfigPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()

	logger := opts.Logger
	if logger == nil {
		l, closer := logging.NewFromConfig(cfg)
		defer closer.Close()
		logger = l
	}
	logger = logger.With("source", string(opts.Source), "device_id", cfg.Device.DeviceID)

	store := opts.Store
	if store == nil {
		store, err = storage.NewStore(cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	driver, err := session.ResolveDriver(ctx, store, cfg.Device)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	notifier := notify.New(cfg.Notify, logger)
	defer notifier.Close()

	scores := metrics.NewStore(cfg.Metrics.StoreLimit)
	events := feed.NewStore(cfg.Feed.StoreLimit)
	mode := session.ModeCreate
	if opts.Source == model.SourceVision {
		mode = session.ModeAttach
	}
	mgr := session.NewManager(store, driver, mode, session.OptionsFromConfig(cfg), session.Deps{
		Logger:   logger,
		Recorder: rec,
		Scores:   scores,
		Notifier: notifier,
	})
	engOpts := engine.OptionsFromConfig(cfg, opts.Source)
	engOpts.Manager = mgr
	engOpts.Feed = events
	engOpts.Recorder = rec
	engOpts.Logger = logger
	eng := engine.New(engOpts)

	api.Start(ctx, api.Deps{
		Config:   cfgMgr,
		Engine:   eng,
		Sessions: mgr,
		Scores:   scores,
		Feed:     events,
		Gatherer: reg,
		Logger:   logger,
		Source:   opts.Source,
		Version:  opts.Version,
	})

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go cfgMgr.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("config reloaded", "path", cfgMgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	producer := opts.Producer
	if producer == nil {
		producer, err = buildProducer(ctx, cfg, opts.Source, mgr, logger, rec)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	} else if opts.Source == model.SourceVision {
		if _, err := mgr.WaitForSession(ctx, cfg.Vision.WaitInterval); err != nil {
			return nil
		}
	}
	if opts.Source != model.SourceVision {
		if _, err := mgr.Ensure(ctx); err != nil {
			logger.Warn("session start failed, retrying on first event", "err", err)
		}
	}

	buffer := cfg.Sensor.ChannelBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	in := make(chan model.Notification, buffer)
	done := eng.Start(ctx, in)
	logger.Info("producer started", "producer", producer.Name(), "driver_id", driver.ID)

	runErr := producer.Run(ctx, in)
	close(in)
	<-done

	reason := endReason(ctx, runErr)
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(stopCtx, reason); err != nil {
		logger.Warn("session stop timed out", "reason", reason, "err", err)
	}

	sum := eng.Summary()
	logger.Info("monitor stopped",
		"reason", reason,
		"last_count", sum.LastCount,
		"accepted", sum.Accepted,
		"dropped", sum.Dropped,
		"recent_events", len(sum.Recent),
	)
	for _, n := range sum.Recent {
		logger.Info("recent event", "event_type", n.Type, "count", n.Count, "at", n.At)
	}
	if reason == session.ReasonStop {
		return nil
	}
	return fmt.Errorf("%s stopped: %w", producer.Name(), runErr)
}

func buildProducer(ctx context.Context, cfg *config.Config, source model.Source, mgr *session.Manager, logger *slog.Logger, rec *metrics.Recorder) (Producer, error) {
	if source != model.SourceVision {
		return ingest.NewProducer(cfg, logger, rec)
	}
	if _, err := mgr.WaitForSession(ctx, cfg.Vision.WaitInterval); err != nil {
		return nil, err
	}
	det, err := attention.OpenDetector(ctx, cfg.Vision, logger)
	if err != nil {
		return nil, err
	}
	tracker := attention.NewTracker(cfg.Vision.FramesForAlert, cfg.Vision.ClosedEyeRatio)
	return attention.NewProducer(det, tracker, cfg.Vision.PollInterval, logger), nil
}

func endReason(ctx context.Context, runErr error) session.Reason {
	switch {
	case ctx.Err() != nil || runErr == nil:
		return session.ReasonStop
	case errors.Is(runErr, model.ErrLinkLost), errors.Is(runErr, model.ErrCameraUnavailable):
		return session.ReasonProducerLost
	}
	return session.ReasonIngestFailure
}
