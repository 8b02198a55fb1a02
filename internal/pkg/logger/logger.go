package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	mu            sync.RWMutex
	once          sync.Once
)

// Options selects the handler used by the default logger.
type Options struct {
	Level  slog.Level
	Format string // "json" or "text"
	Output io.Writer
}

// DefaultOptions logs JSON at info level to stderr, keeping stdout free for
// statistics output.
func DefaultOptions() Options {
	return Options{
		Level:  slog.LevelInfo,
		Format: "json",
		Output: os.Stderr,
	}
}

// Initialize sets up the structured logger with DefaultOptions unless
// Configure already ran.
func Initialize() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if defaultLogger == nil {
			defaultLogger = slog.New(newHandler(DefaultOptions()))
		}
	})
}

// Configure replaces the default logger.
func Configure(opts Options) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(newHandler(opts))
}

func newHandler(opts Options) slog.Handler {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	if strings.EqualFold(opts.Format, "text") {
		return slog.NewTextHandler(out, hopts)
	}
	return slog.NewJSONHandler(out, hopts)
}

// ParseLevel maps debug|info|warn|error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Get returns the default structured logger
func Get() *slog.Logger {
	Initialize()
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Info logs an info level message
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// InfoContext logs an info level message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

// Warn logs a warning level message
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// WarnContext logs a warning level message with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

// Error logs an error level message
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// ErrorContext logs an error level message with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// Debug logs a debug level message
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// DebugContext logs a debug level message with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	Get().DebugContext(ctx, msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// WithGroup returns a logger that nests subsequent attributes under name
func WithGroup(name string) *slog.Logger {
	return Get().WithGroup(name)
}
