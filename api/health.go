package api

// HealthReporter exposes per-instance liveness independent of how it
// is probed (rendezvous health flag, gopsutil process lookup, or
// both). pkg/instance.HealthChecks wires implementations of this into
// heptiolabs/healthcheck handlers.
type HealthReporter interface {
	// LivenessCheck reports whether the named instance's stub is
	// currently responsive.
	LivenessCheck(instanceName string) (bool, error)
}
