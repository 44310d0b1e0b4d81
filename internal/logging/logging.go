// Package logging provides the single process-wide structured logger used
// by every Roxy subsystem. The level threshold can be swapped at runtime
// (SIGHUP, config reload) without reconstructing the logger.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the four levels spec.md §4.7 / §6 names.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses "error|warn|info|debug" (case-insensitive), defaulting
// to LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	default:
		return LevelInfo
	}
}

// Logger wraps a *zap.Logger behind an atomic level so reload/SIGHUP can
// adjust verbosity without tearing down sinks or losing in-flight writers.
type Logger struct {
	atom zap.AtomicLevel
	base *zap.Logger
}

// New builds a Logger writing console-encoded lines to w at the given
// initial level: ISO-8601 timestamp, level and message separated by tabs,
// followed by the structured fields as a single JSON object (not as
// key=value pairs). The daemon passes stderr via NewStderr; a daemonized
// child's stderr is redirected to the log file.
func New(w zapcore.WriteSyncer, level Level) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.LevelKey = "level"
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), w, atom)
	base := zap.New(core)

	return &Logger{atom: atom, base: base}
}

// NewStderr is a convenience constructor for foreground/startup logging
// before the log file is opened.
func NewStderr(level Level) *Logger {
	return New(zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
}

// SetLevel swaps the effective level without reconstructing the logger.
func (l *Logger) SetLevel(level Level) {
	l.atom.SetLevel(level.zapLevel())
}

// Zap exposes the underlying *zap.Logger for callers that want structured
// fields (zap.String, zap.Error, ...).
func (l *Logger) Zap() *zap.Logger { return l.base }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.base.Sync() }

// ResolveLevel applies the precedence rule from spec.md §4.7:
// env ROXY_LOG > CLI --verbose > config log_level > default info.
func ResolveLevel(envVal, cliVal, configVal string) Level {
	if envVal != "" {
		return ParseLevel(envVal)
	}
	if cliVal != "" {
		return ParseLevel(cliVal)
	}
	if configVal != "" {
		return ParseLevel(configVal)
	}
	return LevelInfo
}
