// Package logging provides the process-wide structured logger used by every
// dispatchd component. It wraps log/slog behind a package-level accessor so
// components never construct their own handler.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger  atomic.Pointer[slog.Logger]
	logLevel  = new(slog.LevelVar)
	logFormat atomic.Value // string: "text" or "json"
)

func init() {
	logLevel.Set(slog.LevelInfo)
	logFormat.Store("text")
	rebuild()
}

func rebuild() {
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if f, _ := logFormat.Load().(string); f == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger for daemon/infrastructure logs: pool
// warming, dispatch transitions, reconciler activity, sweeper sweeps.
func Op() *slog.Logger {
	return opLogger.Load()
}

// OpWithTrace returns a logger scoped to a request trace, for correlating a
// single dispatch's log lines across the request path and event path.
func OpWithTrace(traceID, dispatchID string) *slog.Logger {
	l := Op()
	if traceID != "" {
		l = l.With("trace_id", traceID)
	}
	if dispatchID != "" {
		l = l.With("dispatch_id", dispatchID)
	}
	return l
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a config string.
// Valid values: "debug", "info", "warn", "error".
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

// SetFormat switches the handler between "text" (human-readable, default)
// and "json" (machine-parseable, for shipping to a log aggregator).
func SetFormat(format string) {
	if format != "json" {
		format = "text"
	}
	logFormat.Store(format)
	rebuild()
}
