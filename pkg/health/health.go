// Package health implements api.HealthReporter by combining the
// rendezvous health flag with an independent OS-level liveness check,
// so a stub that has wedged inside the futex protocol but whose
// process has actually exited is still reported dead.
package health

import (
	"fmt"
	"sync"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// LivenessSource is the subset of pkg/rendezvous.Rendezvous this
// package needs.
type LivenessSource interface {
	IsStubAlive() bool
}

// PIDLookup returns the current stub PID for an instance, or false if
// no stub is currently running. pkg/instance.Instance implements this.
type PIDLookup func() (pid int32, running bool)

// Reporter implements api.HealthReporter for a set of named instances.
type Reporter struct {
	mu      sync.RWMutex
	sources map[string]LivenessSource
	pids    map[string]PIDLookup
}

// New returns an empty Reporter; call Register for each instance a
// Manager owns.
func New() *Reporter {
	return &Reporter{
		sources: make(map[string]LivenessSource),
		pids:    make(map[string]PIDLookup),
	}
}

// Register associates name with its rendezvous block and PID lookup.
func (r *Reporter) Register(name string, source LivenessSource, pid PIDLookup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = source
	r.pids[name] = pid
}

// Unregister removes name, called when an instance is permanently
// stopped rather than restarted.
func (r *Reporter) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, name)
	delete(r.pids, name)
}

// LivenessCheck reports true only if both the rendezvous health flag
// and the OS process table agree the stub is alive. When name was
// registered with a nil PIDLookup, only the health flag is consulted.
func (r *Reporter) LivenessCheck(instanceName string) (bool, error) {
	r.mu.RLock()
	source, ok := r.sources[instanceName]
	lookup := r.pids[instanceName]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("health: unknown instance %q", instanceName)
	}
	if !source.IsStubAlive() {
		return false, nil
	}

	if lookup == nil {
		return true, nil
	}
	pid, running := lookup()
	if !running {
		return false, nil
	}
	exists, err := gopsprocess.PidExists(pid)
	if err != nil {
		return false, fmt.Errorf("health: pid lookup for %q: %w", instanceName, err)
	}
	return exists, nil
}
