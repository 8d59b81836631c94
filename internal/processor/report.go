package processor

import (
	"context"
	"log/slog"

	"github.com/alfredjeanlab/indexsync/internal/events"
	"github.com/alfredjeanlab/indexsync/internal/retry"
)

// Failure describes an abandoned event.
type Failure struct {
	Tenant     string
	EventID    int64
	EntityName string
	EntityID   string
	Attempts   int
	Kind       retry.FailureKind
	Cause      error
}

// FailureReporter receives every abandoned event exactly once.
type FailureReporter interface {
	Report(ctx context.Context, f Failure)
}

// LogReporter writes abandoned events to the log so operators can reindex
// the entity by hand.
type LogReporter struct {
	Logger *slog.Logger
}

func (r *LogReporter) Report(_ context.Context, f Failure) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("processor: event abandoned",
		"tenant", f.Tenant,
		"event", f.EventID,
		"entity", f.EntityName,
		"id", f.EntityID,
		"attempts", f.Attempts,
		"kind", f.Kind,
		"err", f.Cause)
}

// PublishingReporter publishes abandoned events on TopicEventAbandoned.
type PublishingReporter struct {
	Publisher events.Publisher
	Logger    *slog.Logger
}

func (r *PublishingReporter) Report(ctx context.Context, f Failure) {
	cause := ""
	if f.Cause != nil {
		cause = f.Cause.Error()
	}
	err := r.Publisher.Publish(ctx, events.TopicEventAbandoned, events.EventAbandoned{
		Tenant:     f.Tenant,
		EventID:    f.EventID,
		EntityName: f.EntityName,
		EntityID:   f.EntityID,
		Attempts:   f.Attempts,
		Kind:       string(f.Kind),
		Cause:      cause,
	})
	if err != nil && r.Logger != nil {
		r.Logger.Warn("processor: publish abandoned event failed", "event", f.EventID, "err", err)
	}
}

// MultiReporter fans a failure out to several reporters.
type MultiReporter []FailureReporter

func (m MultiReporter) Report(ctx context.Context, f Failure) {
	for _, r := range m {
		r.Report(ctx, f)
	}
}
