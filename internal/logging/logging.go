// Package logging provides leveled logging for the SDK.
//
// The SDK is a library, so it stays quiet unless the embedding program asks
// otherwise: the default level is Warn and output goes to stderr. Programs can
// raise or silence SDK logging with Configure, or at process startup with the
// PORTKIT_LOG environment variable (trace, debug, info, warn, error, off).
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Level identifies a logging level.
type Level int8

const (
	// LevelTrace is the most verbose level, per-envelope noise included.
	LevelTrace Level = iota - 1
	// LevelDebug logs protocol lifecycle detail.
	LevelDebug
	// LevelInfo logs connection-level milestones.
	LevelInfo
	// LevelWarn logs recoverable protocol anomalies. This is the default.
	LevelWarn
	// LevelError logs fatal connection failures.
	LevelError
	// LevelOff disables all SDK logging.
	LevelOff
)

// String returns the lower-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelOff:
		return "off"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level name. Unrecognized names report ok=false and map
// to the default Warn level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "off", "none", "disabled":
		return LevelOff, true
	default:
		return LevelWarn, false
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// Config controls SDK-wide logging behavior.
type Config struct {
	// Level is the minimum level emitted.
	Level Level
	// Output receives log lines. Defaults to stderr.
	Output io.Writer
	// Console forces human-readable console output. When Output is a
	// terminal this is the default; otherwise lines are JSON.
	Console bool
	// NoColor disables ANSI color in console output.
	NoColor bool
}

// DefaultConfig returns the library defaults: Warn level to stderr, console
// formatting when stderr is a terminal.
func DefaultConfig() Config {
	return Config{
		Level:   LevelWarn,
		Output:  os.Stderr,
		Console: isatty.IsTerminal(os.Stderr.Fd()),
	}
}

var (
	mu   sync.RWMutex
	root zerolog.Logger
)

func init() {
	cfg := DefaultConfig()
	if lvl, ok := ParseLevel(os.Getenv("PORTKIT_LOG")); ok {
		cfg.Level = lvl
	}
	root = build(cfg)
}

func build(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.TimeOnly,
		}
	}
	return zerolog.New(out).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
}

// Configure replaces the SDK-wide logger. Safe to call at any time; loggers
// previously obtained from Component keep the old configuration.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	root = build(cfg)
}

// Logger is a leveled, component-tagged logger handle.
type Logger struct {
	zl zerolog.Logger
}

// Component returns a logger tagged with the given component name, e.g.
// "port" or "portmap". Component tags end up as a field on every line.
func Component(name string) Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger{zl: root.With().Str("component", name).Logger()}
}

// With returns a copy of the logger carrying an extra string field.
func (l Logger) With(key, value string) Logger {
	return Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// Trace logs a formatted trace message.
func (l Logger) Trace(format string, args ...any) {
	l.zl.Trace().Msgf(format, args...)
}

// Debug logs a formatted debug message.
func (l Logger) Debug(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

// Info logs a formatted informational message.
func (l Logger) Info(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

// Warn logs a formatted warning.
func (l Logger) Warn(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs a formatted error message.
func (l Logger) Error(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}
