package logging

import (
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger based on format settings.
// format: "text" (default) or "json" (Loki/ELK compatible)
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level:       logLevel,
		ReplaceAttr: alignTimestampKey,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	opLogger.Store(logger)
}

// OpWithTrace returns the operational logger with trace context fields.
// traceID and spanID are injected as attributes when available.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}

// OpForFunction returns the operational logger scoped to one function
// key (manifest.FunctionManifest.Key, "id@version"), so dispatch-path
// failures in the invocation pipeline — subprocess exits, recovered
// panics — carry the same identity the gateway uses for cache and
// manifest lookups, without every call site having to repeat it.
func OpForFunction(functionKey string) *slog.Logger {
	return opLogger.Load().With("function_key", functionKey)
}
