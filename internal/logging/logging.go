package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog handler. format selects "json"
// (default) or "text"; the level comes from LOG_LEVEL and defaults to info.
// Every log line carries the service name so the aggregated stream stays
// attributable.
func Init(service, format string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))
	opts := &slog.HandlerOptions{Level: levelFromEnv()}

	var handler slog.Handler
	var unknown bool
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		unknown = true
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if unknown {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
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
