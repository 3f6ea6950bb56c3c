//go:build unix

package instance

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"
)

// HealthChecks builds a healthcheck.Handler with one liveness check per
// instance mgr currently has registered, for wiring into the host's
// existing HTTP mux. It snapshots the registered names at call time;
// instances started or stopped afterward are not reflected until
// HealthChecks is called again.
func HealthChecks(mgr *Manager) healthcheck.Handler {
	h := healthcheck.NewHandler()
	reporter := mgr.Health()
	for _, name := range mgr.Names() {
		instanceName := name
		h.AddLivenessCheck(instanceName, func() error {
			alive, err := reporter.LivenessCheck(instanceName)
			if err != nil {
				return err
			}
			if !alive {
				return fmt.Errorf("health: instance %q stub is not alive", instanceName)
			}
			return nil
		})
	}
	return h
}
