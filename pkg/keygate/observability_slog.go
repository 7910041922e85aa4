package keygate

import (
	"context"
	"log/slog"
)

// SlogObserver implements Observer using Go's structured logging (log/slog).
// This emits structured logs for all idempotency events.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	observer := keygate.NewSlogObserver(logger, slog.LevelInfo)
//	mw, _ := keygate.New(store, keygate.WithObserver(observer))
type SlogObserver struct {
	logger   *slog.Logger
	minLevel slog.Level
}

// NewSlogObserver creates an observer that logs to the given slog.Logger.
// Only events at or above minLevel will be logged.
func NewSlogObserver(logger *slog.Logger, minLevel slog.Level) *SlogObserver {
	return &SlogObserver{
		logger:   logger,
		minLevel: minLevel,
	}
}

func (o *SlogObserver) OnRequestStart(ctx context.Context, event *RequestStartEvent) {
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "idempotent request started",
			slog.String("key", event.Key),
			slog.String("method", event.Method),
			slog.String("path", event.Path),
		)
	}
}

func (o *SlogObserver) OnRequestEnd(ctx context.Context, event *RequestEndEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelError {
			o.logger.ErrorContext(ctx, "idempotent request failed",
				slog.String("key", event.Key),
				slog.String("result", event.Result),
				slog.Int("status", event.Status),
				slog.Duration("duration", event.Duration),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "idempotent request resolved",
			slog.String("key", event.Key),
			slog.String("result", event.Result),
			slog.Int("status", event.Status),
			slog.Bool("replayed", event.Replayed),
			slog.Duration("duration", event.Duration),
			slog.Int64("execution_time_ms", event.ExecutionTimeMS),
		)
	}
}

func (o *SlogObserver) OnLeaseAttempt(ctx context.Context, event *LeaseAttemptEvent) {
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "lease attempt",
			slog.String("key", event.Key),
			slog.Bool("acquired", event.Acquired),
			slog.String("existing_state", string(event.ExistingState)),
			slog.Duration("latency", event.Latency),
		)
	}
}

func (o *SlogObserver) OnCleanup(ctx context.Context, event *CleanupEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelError {
			o.logger.ErrorContext(ctx, "expiry sweep failed",
				slog.Int("removed", event.Removed),
				slog.Duration("duration", event.Duration),
				slog.String("error", event.Error.Error()),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "expiry sweep completed",
			slog.Int("removed", event.Removed),
			slog.Duration("duration", event.Duration),
		)
	}
}
