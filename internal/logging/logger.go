// Package logging provides structured logging for council sessions. It
// wraps Go's log/slog package to produce JSON-formatted logs suitable for
// post-hoc inspection of a session, plus a per-member log registry so each
// member's invocations can be traced in isolation.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger provides structured logging with persistent attributes.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	file   *os.File
	mu     sync.Mutex
	attrs  []slog.Attr
}

// NewLogger creates a Logger that writes JSON-formatted logs to
// {logDir}/council.log. If logDir is empty, logs are written to stderr.
func NewLogger(logDir string, level string) (*Logger, error) {
	var writer io.Writer
	var file *os.File

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logPath := filepath.Join(logDir, "council.log")
		var err error
		file, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	} else {
		writer = os.Stderr
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: parseLevel(level),
	})

	return &Logger{
		logger: slog.New(handler),
		file:   file,
	}, nil
}

// newFileLogger creates a Logger appending JSON entries to the given file.
func newFileLogger(path string, level string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: parseLevel(level),
	})

	return &Logger{
		logger: slog.New(handler),
		file:   file,
	}, nil
}

// NopLogger returns a Logger that discards all output. Useful as a default
// when a caller does not provide a logger.
func NopLogger() *Logger {
	handler := slog.NewJSONHandler(io.Discard, nil)
	return &Logger{logger: slog.New(handler)}
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithSession returns a child Logger with the session ID added to all entries.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.withAttr(slog.String("session_id", sessionID))
}

// WithStage returns a child Logger with the stage name added to all entries.
func (l *Logger) WithStage(stage string) *Logger {
	return l.withAttr(slog.String("stage", stage))
}

// WithMember returns a child Logger carrying the member's stable index and
// display name.
func (l *Logger) WithMember(index int, displayName string) *Logger {
	return l.withAttr(slog.Int("member_index", index)).
		withAttr(slog.String("member", displayName))
}

// With returns a child Logger with arbitrary alternating key-value attributes.
func (l *Logger) With(args ...any) *Logger {
	child := &Logger{
		logger: l.logger.With(args...),
		file:   l.file,
		attrs:  l.attrs,
	}
	return child
}

func (l *Logger) withAttr(attr slog.Attr) *Logger {
	attrs := make([]slog.Attr, len(l.attrs)+1)
	copy(attrs, l.attrs)
	attrs[len(l.attrs)] = attr

	return &Logger{
		logger: slog.New(l.logger.Handler().WithAttrs([]slog.Attr{attr})),
		file:   l.file,
		attrs:  attrs,
	}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// DebugContext logs at DEBUG level with a context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
