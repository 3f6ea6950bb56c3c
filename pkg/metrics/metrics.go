// Package metrics exposes the runtime's low-level operational counters
// through a Prometheus registry, separate from adapter's OpenTelemetry
// batch-latency and restart instrumentation: these are pull-model
// counters meant for the same /metrics scrape a host process already
// runs, not spans or push-exported histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the runtime's private Prometheus registry. It is not the
// global DefaultRegisterer, so mounting Handler never collides with
// metrics a host process registers for itself.
var Registry = prometheus.NewRegistry()

var (
	// StubSpawns counts every stub subprocess exec attempted, success
	// or failure.
	StubSpawns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instance_shm_stub_spawns_total",
		Help: "Total number of stub subprocess exec attempts.",
	})
	// StubSpawnFailures counts spawn attempts that failed before a
	// process was even started (missing model file, unresolved stub
	// binary, exec error).
	StubSpawnFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instance_shm_stub_spawn_failures_total",
		Help: "Total number of stub subprocess exec attempts that failed.",
	})
	// StubStops counts every SIGTERM+waitpid cycle the supervisor
	// completes, whether from Shutdown or a Restart's initial kill.
	StubStops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instance_shm_stub_stops_total",
		Help: "Total number of stub subprocesses reaped.",
	})
	// RegisteredInstances tracks the current size of a Manager's
	// registry.
	RegisteredInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "instance_shm_registered_instances",
		Help: "Number of instances currently registered with the manager.",
	})
	// RestartQueueDepth tracks pending deferred restarts a Manager has
	// accepted but not yet drained.
	RestartQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "instance_shm_restart_queue_depth",
		Help: "Number of restart jobs queued but not yet dispatched.",
	})
)

func init() {
	Registry.MustRegister(StubSpawns, StubSpawnFailures, StubStops, RegisteredInstances, RestartQueueDepth)
}

// Handler returns an http.Handler serving the runtime's metrics in the
// Prometheus exposition format, for mounting onto a host's existing
// HTTP mux alongside HealthChecks.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
