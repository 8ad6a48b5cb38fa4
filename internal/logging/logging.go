package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"drivewatch/internal/config"
)

func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level)
}

// NewFromConfig logs to stdout and, when log_file.path is set, to a
// size-rotated file as well.
func NewFromConfig(cfg *config.Config) (*slog.Logger, io.Closer) {
	if cfg == nil || strings.TrimSpace(cfg.LogFile.Path) == "" {
		return NewLogger(levelOf(cfg)), nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile.Path,
		MaxSize:    cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAge:     cfg.LogFile.MaxAgeDays,
		Compress:   cfg.LogFile.Compress,
	}
	return newLogger(io.MultiWriter(os.Stdout, rotator), cfg.LogLevel), rotator
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

func levelOf(cfg *config.Config) string {
	if cfg == nil {
		return "info"
	}
	return cfg.LogLevel
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
