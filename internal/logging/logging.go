// Package logging builds the control plane's slog handler from the
// logging section of the config, optionally capturing every record into
// a bounded in-memory tail the Control Surface serves over /logs.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options mirrors config.LoggingConfig plus the optional capture sink.
type Options struct {
	Level      string
	Format     string // "json" | "text"
	File       string // empty logs to stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Capture, when non-nil, receives every record that passes the level
	// filter so the Control Surface can serve a recent-log tail.
	Capture *Recorder
}

// NewHandler builds the handler described by opts. The returned close
// function releases the rotating file writer, if one was opened, and is
// safe to call when logging goes to stdout.
func NewHandler(opts Options) (slog.Handler, func() error) {
	out := io.Writer(os.Stdout)
	closeFn := func() error { return nil }

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = rotator
		closeFn = rotator.Close
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if opts.Format == "text" {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	if opts.Capture != nil {
		handler = &captureHandler{Handler: handler, rec: opts.Capture}
	}
	return handler, closeFn
}

// ParseLevel maps a config level name to its slog value. Unknown names
// fall back to info, matching config validation's accepted set.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
