// Package logger provides the engine's structured logging: a thin slog
// wrapper configured from LoggingConfig, with a process-wide default.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/Aroton/AroMCP-sub001/internal/config"
)

// Logger wraps slog.Logger so call sites stay decoupled from handler
// construction.
type Logger struct {
	logger *slog.Logger
}

// New creates a logger writing to stdout per the configuration.
func New(cfg config.LoggingConfig) *Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter creates a logger writing to w; tests capture output this
// way.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{logger: slog.New(handler)}
}

// With returns a logger carrying additional attributes on every record.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// WithInstance returns a logger stamped with a workflow instance id, the
// attribute every engine-side record carries.
func (l *Logger) WithInstance(instanceID string) *Logger {
	return l.With("instance_id", instanceID)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...interface{}) { l.logger.Debug(msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...interface{}) { l.logger.Info(msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...interface{}) { l.logger.Warn(msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...interface{}) { l.logger.Error(msg, args...) }

func parseLevel(level string) slog.Level {
	switch level {
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

var defaultLogger = New(config.LoggingConfig{Level: "info", Format: "json"})

// Default returns the process-wide default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault replaces the process-wide default logger, done once at
// startup after configuration is loaded.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
