package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"drivewatch/internal/config"
	"drivewatch/internal/model"
)

// FileReplay plays a captured frame log. With Follow it keeps tailing the
// file after EOF; Pace inserts a delay between frames.
type FileReplay struct {
	linkBase
	path   string
	follow bool
	pace   time.Duration
}

func NewFileReplay(cfg config.ReplayConfig, base linkBase) *FileReplay {
	return &FileReplay{linkBase: base, path: cfg.File, follow: cfg.Follow, pace: cfg.Pace}
}

func (r *FileReplay) Name() string { return "replay" }

func (r *FileReplay) Run(ctx context.Context, out chan<- model.Notification) error {
	file, err := os.Open(r.path)
	if err != nil {
		return linkLost(r.Name(), err)
	}
	defer file.Close()
	if r.logger != nil {
		r.logger.Info("replaying sensor frames", "path", r.path, "follow", r.follow)
	}

	var offset int64
	reader := bufio.NewReader(file)
	var partial string
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return linkLost(r.Name(), err)
		}
		if err == io.EOF {
			partial += line
			if !r.follow {
				if partial != "" && !r.emit(ctx, out, partial, r.Name()) {
					return nil
				}
				return nil
			}
			if !BackoffSleep(ctx, 200*time.Millisecond) {
				return nil
			}
			info, statErr := os.Stat(r.path)
			if statErr != nil {
				return linkLost(r.Name(), statErr)
			}
			if info.Size() < offset {
				return linkLost(r.Name(), io.ErrUnexpectedEOF)
			}
			continue
		}
		line = partial + line
		partial = ""
		offset += int64(len(line))
		if !r.emit(ctx, out, line, r.Name()) {
			return nil
		}
		if r.pace > 0 && !BackoffSleep(ctx, r.pace) {
			return nil
		}
	}
}
