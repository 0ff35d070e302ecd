package pulpdocker

import (
	"context"
	"log/slog"
)

// NoopEventSink is an EventSink that does nothing
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-op event sink
func NewNoopEventSink() *NoopEventSink {
	return &NoopEventSink{}
}

func (s *NoopEventSink) VersionCreated(ctx context.Context, version *RepositoryVersion) error {
	return nil
}

func (s *NoopEventSink) DistributionChanged(ctx context.Context, dist *Distribution) error {
	return nil
}

func (s *NoopEventSink) SyncCompleted(ctx context.Context, remote *Remote, version *RepositoryVersion) error {
	return nil
}

// LoggingEventSink writes events to a structured logger
type LoggingEventSink struct {
	logger *slog.Logger
}

// NewLoggingEventSink creates an event sink backed by the given logger
func NewLoggingEventSink(logger *slog.Logger) *LoggingEventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEventSink{logger: logger}
}

func (s *LoggingEventSink) VersionCreated(ctx context.Context, version *RepositoryVersion) error {
	s.logger.InfoContext(ctx, "event: repository version created",
		"repository_id", version.RepositoryID, "number", version.Number)
	return nil
}

func (s *LoggingEventSink) DistributionChanged(ctx context.Context, dist *Distribution) error {
	s.logger.InfoContext(ctx, "event: distribution changed",
		"distribution", dist.Name, "base_path", dist.BasePath)
	return nil
}

func (s *LoggingEventSink) SyncCompleted(ctx context.Context, remote *Remote, version *RepositoryVersion) error {
	s.logger.InfoContext(ctx, "event: sync completed",
		"remote", remote.Name, "repository_id", version.RepositoryID, "number", version.Number)
	return nil
}
