package attention

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"drivewatch/internal/config"
	"drivewatch/internal/model"
)

// ErrNoFrame means no fresh observation is available this cycle.
var ErrNoFrame = errors.New("no fresh frame")

// Detector yields the latest observation from the camera pipeline.
type Detector interface {
	Detect(ctx context.Context) (Observation, error)
	Close() error
}

// StreamDetector reads JSON observation lines from a detector sidecar and
// keeps only the newest one. Older frames are discarded.
type StreamDetector struct {
	logger *slog.Logger
	stale  time.Duration
	now    func() time.Time
	closer io.Closer

	mu     sync.Mutex
	latest Observation
	at     time.Time
	fresh  bool
	err    error
	done   chan struct{}
}

// NewStreamDetector starts reading r in the background.
func NewStreamDetector(r io.Reader, stale time.Duration, logger *slog.Logger) *StreamDetector {
	if stale <= 0 {
		stale = 2 * time.Second
	}
	d := &StreamDetector{
		logger: logger,
		stale:  stale,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		d.closer = c
	}
	go d.read(r)
	return d
}

// OpenDetector connects to the source named in cfg.Source.
func OpenDetector(ctx context.Context, cfg config.VisionConfig, logger *slog.Logger) (*StreamDetector, error) {
	switch cfg.Source {
	case "", "stdin":
		return NewStreamDetector(os.Stdin, cfg.FrameStale, logger), nil
	case "tcp":
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, errors.Join(model.ErrCameraUnavailable, err)
		}
		return NewStreamDetector(conn, cfg.FrameStale, logger), nil
	}
	return nil, errors.New("unsupported vision source " + cfg.Source)
}

func (d *StreamDetector) read(r io.Reader) {
	defer close(d.done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var o Observation
		if err := json.Unmarshal(line, &o); err != nil {
			if d.logger != nil {
				d.logger.Warn("bad observation dropped", "err", err)
			}
			continue
		}
		d.mu.Lock()
		d.latest = o
		d.at = d.now()
		d.fresh = true
		d.mu.Unlock()
	}
	d.mu.Lock()
	d.err = model.ErrCameraUnavailable
	if err := scanner.Err(); err != nil {
		d.err = errors.Join(model.ErrCameraUnavailable, err)
	}
	d.mu.Unlock()
}

// Detect returns the newest unconsumed observation. A frame is handed out
// once; stale or already-seen frames give ErrNoFrame.
func (d *StreamDetector) Detect(ctx context.Context) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fresh && d.now().Sub(d.at) <= d.stale {
		d.fresh = false
		return d.latest, nil
	}
	if d.err != nil {
		return Observation{}, d.err
	}
	return Observation{}, ErrNoFrame
}

// Done is closed when the stream ends.
func (d *StreamDetector) Done() <-chan struct{} { return d.done }

func (d *StreamDetector) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
