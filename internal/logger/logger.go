package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu            sync.Mutex
	currentLogger *slog.Logger
)

// Init configures the process-wide structured logger. Every event line is
// one JSON object; service names the emitting binary (orchestrator, engine,
// runner).
func Init(service string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	mu.Lock()
	currentLogger = slog.New(handler).With(slog.String("service", service))
	mu.Unlock()
}

// LogEvent writes a structured event entry scoped to one execution.
func LogEvent(ctx context.Context, executionID, component, event string, payload interface{}) {
	mu.Lock()
	l := currentLogger
	if l == nil {
		// Fallback if not initialized
		l = slog.New(slog.NewJSONHandler(os.Stdout, nil))
		currentLogger = l
	}
	mu.Unlock()

	l.InfoContext(ctx, event,
		slog.String("execution_id", executionID),
		slog.String("component", component),
		slog.Any("payload", payload),
	)
}

// LogError writes a structured error entry scoped to one execution.
func LogError(ctx context.Context, executionID, component, event string, err error) {
	mu.Lock()
	l := currentLogger
	if l == nil {
		l = slog.New(slog.NewJSONHandler(os.Stdout, nil))
		currentLogger = l
	}
	mu.Unlock()

	l.ErrorContext(ctx, event,
		slog.String("execution_id", executionID),
		slog.String("component", component),
		slog.String("error", err.Error()),
	)
}
