package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"drivewatch/internal/metrics"
)

type writeJob struct {
	op string
	fn func(ctx context.Context) error
}

// writer applies store writes one at a time in submission order, off the
// ingestion path. Failed writes are logged and counted, never retried.
type writer struct {
	logger  *slog.Logger
	rec     *metrics.Recorder
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	jobs   chan writeJob
	done   chan struct{}

	// ctx is cancelled when a shutdown drain runs out of time.
	ctx    context.Context
	cancel context.CancelFunc
}

func newWriter(size int, timeout time.Duration, logger *slog.Logger, rec *metrics.Recorder) *writer {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &writer{
		logger:  logger,
		rec:     rec,
		timeout: timeout,
		jobs:    make(chan writeJob, size),
		done:    make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	go w.run()
	return w
}

func (w *writer) submit(op string, fn func(ctx context.Context) error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.jobs <- writeJob{op: op, fn: fn}:
		return true
	default:
		if w.logger != nil {
			w.logger.Warn("write queue full, dropping write", "op", op)
		}
		w.rec.WriteDropped()
		return false
	}
}

// flush blocks until every job submitted before it has run.
func (w *writer) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	select {
	case w.jobs <- writeJob{op: "flush", fn: func(context.Context) error { close(barrier); return nil }}:
	case <-ctx.Done():
		w.mu.Unlock()
		return ctx.Err()
	}
	w.mu.Unlock()
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops intake and lets queued jobs drain until deadline. Whatever
// is still pending then is abandoned and counted as dropped.
func (w *writer) close(deadline time.Time) {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	defer w.cancel()
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-w.done:
	case <-t.C:
		if w.logger != nil {
			w.logger.Warn("abandoning queued writes", "pending", len(w.jobs))
		}
	}
}

func (w *writer) run() {
	defer close(w.done)
	for j := range w.jobs {
		if w.ctx.Err() != nil && j.op != "flush" {
			w.rec.WriteDropped()
			continue
		}
		ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
		err := j.fn(ctx)
		cancel()
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("store write failed", "op", j.op, "err", err)
			}
			w.rec.PersistFailed(j.op)
		}
	}
}
