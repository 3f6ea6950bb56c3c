//go:build unix

package instance

import (
	"context"
	"fmt"
	"runtime"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	workqueue "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/instance-shm/api"
	"github.com/srediag/instance-shm/pkg/health"
	"github.com/srediag/instance-shm/pkg/metrics"
)

// Factory builds a not-yet-started Instance for name, using whatever
// per-model configuration the enclosing server keeps. Manager calls it
// exactly once per StartInstance.
type Factory func(name string) (*Instance, error)

// restartJob is a deferred reload request. Jobs are queued rather than
// spawned immediately so a burst of near-simultaneous stub deaths (an
// OOM killer sweep, say) drains in submission order instead of causing
// a pile of unbounded goroutines.
type restartJob struct {
	name string
}

// Manager is the process-wide registry the enclosing server uses to
// create, look up, and tear down instances. Instances are independent:
// Manager coordinates their lifecycle without ever sharing an Arena or
// Rendezvous between them.
type Manager struct {
	log       zerolog.Logger
	instances cmap.ConcurrentMap[string, *Instance]
	factory   Factory
	health    *health.Reporter

	pool     *ants.Pool
	restarts *workqueue.Queue
}

// NewManager constructs a Manager whose lifecycle jobs run on a pool
// bounded by GOMAXPROCS, and starts the background restart-queue drain
// loop. Call Close to release both.
func NewManager(log zerolog.Logger, factory Factory) (*Manager, error) {
	pool, err := ants.NewPool(runtime.GOMAXPROCS(0))
	if err != nil {
		return nil, fmt.Errorf("instance: manager: create pool: %w", err)
	}
	m := &Manager{
		log:       log.With().Str("component", "instance_manager").Logger(),
		instances: cmap.New[*Instance](),
		factory:   factory,
		health:    health.New(),
		pool:      pool,
		restarts:  workqueue.New(64),
	}
	go m.drainRestarts()
	return m, nil
}

// Close disposes the restart queue, which unblocks and exits the
// drain loop, and releases the worker pool. Instances already
// registered are left running; callers should StopInstance each one
// first if a full shutdown is intended.
func (m *Manager) Close() {
	m.restarts.Dispose()
	m.pool.Release()
}

// StartInstance builds, starts, and registers a new instance under
// name. It fails if name is already registered.
func (m *Manager) StartInstance(ctx context.Context, name string) error {
	if _, exists := m.instances.Get(name); exists {
		return newError(KindConfig, fmt.Errorf("instance %q already registered", name))
	}
	inst, err := m.factory(name)
	if err != nil {
		return newError(KindConfig, fmt.Errorf("instance %q: build: %w", name, err))
	}
	if err := inst.Start(ctx); err != nil {
		return err
	}
	if !m.instances.SetIfAbsent(name, inst) {
		_ = inst.Stop(ctx)
		return newError(KindConfig, fmt.Errorf("instance %q already registered", name))
	}
	m.health.Register(name, inst.LivenessSource(), inst.PID)
	metrics.RegisteredInstances.Inc()
	m.log.Info().Str("instance", name).Msg("instance registered")
	return nil
}

// Health returns the shared liveness reporter backing HealthChecks.
func (m *Manager) Health() *health.Reporter { return m.health }

// StopInstance shuts down and unregisters name. The shutdown itself
// runs on the bounded pool so a slow one never blocks a concurrent
// StopInstance/ReloadInstance call for a different instance.
func (m *Manager) StopInstance(ctx context.Context, name string) error {
	inst, ok := m.instances.Get(name)
	if !ok {
		return newError(KindConfig, fmt.Errorf("instance %q not registered", name))
	}
	errCh := make(chan error, 1)
	if err := m.pool.Submit(func() {
		errCh <- inst.Stop(ctx)
	}); err != nil {
		return newError(KindConfig, fmt.Errorf("instance %q: submit stop: %w", name, err))
	}
	err := <-errCh
	m.instances.Remove(name)
	m.health.Unregister(name)
	metrics.RegisteredInstances.Dec()
	return err
}

// ReloadInstance restarts name's stub in place via the bounded pool,
// reusing its existing arena.
func (m *Manager) ReloadInstance(ctx context.Context, name string) error {
	inst, ok := m.instances.Get(name)
	if !ok {
		return newError(KindConfig, fmt.Errorf("instance %q not registered", name))
	}
	errCh := make(chan error, 1)
	if err := m.pool.Submit(func() {
		errCh <- inst.Reload(ctx)
	}); err != nil {
		return newError(KindConfig, fmt.Errorf("instance %q: submit reload: %w", name, err))
	}
	return <-errCh
}

// Get returns the registered instance for name, if any.
func (m *Manager) Get(name string) (*Instance, bool) {
	return m.instances.Get(name)
}

// Names returns the currently registered instance names.
func (m *Manager) Names() []string {
	return m.instances.Keys()
}

// EnqueueRestart defers a reload of name to the restart-drain loop,
// for callers (a health monitor, say) that observe a dead stub outside
// the execution loop's own immediate best-effort recovery and want the
// resulting burst of restarts serialized rather than dispatched all at
// once.
func (m *Manager) EnqueueRestart(name string) error {
	if err := m.restarts.Put(restartJob{name: name}); err != nil {
		return err
	}
	metrics.RestartQueueDepth.Inc()
	return nil
}

// drainRestarts pops one restart job at a time, blocking until one is
// available, and dispatches it onto the bounded pool. Get returns an
// error once the queue is Disposed by Close, which ends the loop.
func (m *Manager) drainRestarts() {
	for {
		items, err := m.restarts.Get(1)
		if err != nil {
			return
		}
		if len(items) == 0 {
			continue
		}
		job, ok := items[0].(restartJob)
		if !ok {
			continue
		}
		metrics.RestartQueueDepth.Dec()
		name := job.name
		if err := m.pool.Submit(func() {
			if err := m.ReloadInstance(context.Background(), name); err != nil {
				m.log.Error().Err(err).Str("instance", name).Msg("queued restart failed")
			}
		}); err != nil {
			m.log.Error().Err(err).Str("instance", name).Msg("failed to submit queued restart")
		}
	}
}

var _ api.Lifecycle = (*Manager)(nil)
