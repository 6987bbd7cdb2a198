package history

import (
	"context"
	"log/slog"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

// Recorder saves entries on behalf of request handlers. A failed save is
// logged and counted but never returned, so it cannot mask the result the
// caller is waiting for.
type Recorder struct {
	store   Store
	metrics observability.MetricsSink
	logger  *slog.Logger
}

// NewRecorder accepts a nil store, in which case Record does nothing.
func NewRecorder(store Store, metrics observability.MetricsSink, logger *slog.Logger) *Recorder {
	if metrics == nil {
		metrics = observability.NopSink{}
	}
	return &Recorder{store: store, metrics: metrics, logger: observability.LoggerOrDiscard(logger)}
}

func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.store == nil {
		return
	}
	saved, err := r.store.Save(ctx, entry)
	if err != nil {
		r.logger.ErrorContext(ctx, "history save failed",
			slog.String("user_id", entry.UserID),
			slog.String("sql", entry.GeneratedSQL),
			slog.Any("error", err),
		)
		r.metrics.IncrementCounter("history_save", "status", "failed")
		return
	}
	r.metrics.IncrementCounter("history_save", "status", "success")
	r.logger.DebugContext(ctx, "history saved", slog.String("id", saved.ID.String()))
}

func (r *Recorder) Enabled() bool {
	return r != nil && r.store != nil
}

// Store exposes the underlying store for read paths, or nil.
func (r *Recorder) Store() Store {
	if r == nil {
		return nil
	}
	return r.store
}
