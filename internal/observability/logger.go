package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production emits JSON for the log
// pipeline; everything else gets human-readable text at debug level. The
// service name is attached to every record so the api, worker, and indexer
// processes can share one stream.
func NewLogger(env, service string) *slog.Logger {
	var handler slog.Handler
	switch env {
	case "prod", "production":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler).With("service", service)
}
