package pulpdocker_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

func TestEventSinks(t *testing.T) {
	version := &pulpdocker.RepositoryVersion{Number: 1}
	dist := &pulpdocker.Distribution{Name: "app", BasePath: "library/app"}
	remote := &pulpdocker.Remote{Name: "dockerhub"}

	sinks := map[string]pulpdocker.EventSink{
		"noop":    pulpdocker.NewNoopEventSink(),
		"logging": pulpdocker.NewLoggingEventSink(slog.Default()),
	}
	for name, sink := range sinks {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.NoError(t, sink.VersionCreated(ctx, version))
			assert.NoError(t, sink.DistributionChanged(ctx, dist))
			assert.NoError(t, sink.SyncCompleted(ctx, remote, version))
		})
	}
}
