// Package metrics exposes Prometheus instrumentation for the registry and
// the task runner. The /metrics endpoint is served by promhttp in main.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

var (
	// RegistryRequestsTotal counts served registry API requests
	RegistryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulp_docker_registry_requests_total",
		Help: "Registry API requests served, by handler and status code.",
	}, []string{"handler", "code"})

	// TasksTotal counts task state transitions
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulp_docker_tasks_total",
		Help: "Task state transitions, by task name and state.",
	}, []string{"name", "state"})

	// TaskDuration observes wall time of finished tasks
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulp_docker_task_duration_seconds",
		Help:    "Wall time of finished tasks.",
		Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
	}, []string{"name"})
)

// ObserveRegistry records one served registry request
func ObserveRegistry(handler string, status int) {
	RegistryRequestsTotal.WithLabelValues(handler, strconv.Itoa(status)).Inc()
}

// ObserveTask records a task state transition
func ObserveTask(task *pulpdocker.Task) {
	TasksTotal.WithLabelValues(task.Name, string(task.State)).Inc()
	if task.State.IsFinal() && task.StartedAt != nil && task.FinishedAt != nil {
		TaskDuration.WithLabelValues(task.Name).Observe(task.FinishedAt.Sub(*task.StartedAt).Seconds())
	}
}
