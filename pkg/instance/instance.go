//go:build unix

// Package instance ties the Arena, Rendezvous, Supervisor, and Wire
// codec together into the single-instance lifecycle and per-batch
// execution loop, plus a Manager (manager.go) coordinating many
// instances. It is unix-only because pkg/supervisor, the stub
// subprocess owner it embeds, is.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/srediag/instance-shm/adapter"
	"github.com/srediag/instance-shm/api"
	"github.com/srediag/instance-shm/pkg/arena"
	"github.com/srediag/instance-shm/pkg/health"
	"github.com/srediag/instance-shm/pkg/rendezvous"
	"github.com/srediag/instance-shm/pkg/supervisor"
	"github.com/srediag/instance-shm/pkg/transport"
	"github.com/srediag/instance-shm/pkg/wire"
)

const (
	// rendezvousOffset and ipcMessageOffset are the fixed offsets a
	// freshly created arena's bump allocator hands out for the first
	// two Map calls, given a zero watermark starting at arena.HeaderSize.
	// A real stub hardcodes these same constants rather than replaying
	// the host's allocation order.
	rendezvousOffset = uint64(arena.HeaderSize)
	ipcMessageOffset = rendezvousOffset + rendezvous.BlockSize
)

// liveRendezvous re-derives a *rendezvous.Rendezvous view from the
// arena's current mapping on every call, rather than retaining a slice
// across a possible arena.Grow. internal/shm.Grow may munmap and remap
// the region at a different address, so any slice taken before a grow
// is unsafe to dereference afterward; state itself lives in the mapped
// bytes, so re-wrapping is free of protocol cost.
type liveRendezvous struct {
	a      *arena.Arena
	offset uint64
}

func (l *liveRendezvous) block() *rendezvous.Rendezvous {
	base := l.a.Base()
	return rendezvous.New(base[l.offset : l.offset+rendezvous.BlockSize])
}

func (l *liveRendezvous) Init()          { l.block().Init() }
func (l *liveRendezvous) NotifyStub() bool { return l.block().NotifyStub() }
func (l *liveRendezvous) WaitForStub(isAlive func() bool, ceiling time.Duration) bool {
	return l.block().WaitForStub(isAlive, ceiling)
}
func (l *liveRendezvous) IsStubAlive() bool { return l.block().IsStubAlive() }

// Instance owns one model's arena, rendezvous block, and stub process.
type Instance struct {
	cfg    Config
	log    zerolog.Logger
	audit  api.AuditLogger
	sec    api.PathValidator
	instru *adapter.Instrumentation

	a   *arena.Arena
	rv  *liveRendezvous
	tp  api.BatchTransport
	sup *supervisor.Supervisor

	mu          sync.Mutex
	initialized bool
}

// New constructs an Instance. audit, sec, and instru may be nil.
func New(cfg Config, log zerolog.Logger, sec api.PathValidator, audit api.AuditLogger, instru *adapter.Instrumentation) *Instance {
	return &Instance{
		cfg:    cfg,
		log:    log.With().Str("instance", cfg.Name).Logger(),
		audit:  audit,
		sec:    sec,
		instru: instru,
	}
}

// Start creates the arena and rendezvous block, spawns the stub, and
// runs the init handshake. Any failure after the arena is mapped
// tears the arena and stub back down before returning, so a caller
// that discards a failed Start never leaks the backing shared-memory
// object or a dangling stub process.
func (inst *Instance) Start(ctx context.Context) error {
	a, err := arena.Open(arena.Options{
		Name:        inst.cfg.ArenaName(),
		DefaultSize: inst.cfg.DefaultSize,
		GrowthSize:  inst.cfg.GrowthSize,
		Create:      true,
		Truncate:    true,
	})
	if err != nil {
		return newError(KindArena, err)
	}
	inst.a = a

	started := false
	defer func() {
		if !started {
			if inst.sup != nil {
				inst.sup.Shutdown(ctx, inst.gracefulNotify)
			}
			_ = a.Close(true)
			inst.a, inst.rv, inst.tp, inst.sup = nil, nil, nil, nil
		}
	}()

	rvOff, err := a.Map(rendezvous.BlockSize)
	if err != nil {
		return newError(KindArena, err)
	}
	ipcOff, err := a.Map(wire.IPCMessageSize)
	if err != nil {
		return newError(KindArena, err)
	}
	if rvOff != rendezvousOffset || ipcOff != ipcMessageOffset {
		return newError(KindArena, fmt.Errorf("unexpected header layout: rendezvous@%d ipc@%d", rvOff, ipcOff))
	}
	a.MarkFloor()

	inst.rv = &liveRendezvous{a: a, offset: rvOff}
	inst.rv.block().Init()
	if err := inst.rv.block().Start(); err != nil {
		return newError(KindArena, err)
	}
	inst.tp = transport.New(inst.rv)

	inst.sup = supervisor.New(supervisor.Config{
		ModelRepository: inst.cfg.ModelRepository,
		Version:         inst.cfg.Version,
		StubBinaryName:  inst.cfg.StubBinaryName,
		BackendStubPath: inst.cfg.BackendStubPath,
		BackendLibPath:  inst.cfg.BackendLibPath,
		ArenaName:       inst.cfg.ArenaName(),
		DefaultSize:     inst.cfg.DefaultSize,
		GrowthSize:      inst.cfg.GrowthSize,
		EnvPath:         inst.cfg.EnvPath,
		StubTimeout:     inst.cfg.StubTimeout,
	}, inst.rv, inst.sec, inst.audit)

	if err := inst.sup.Spawn(ctx); err != nil {
		return newError(KindConfig, err)
	}
	if err := inst.sup.InitHandshake(ctx); err != nil {
		return newError(KindStubLost, err)
	}
	if err := inst.performInitRoundTrip(ctx); err != nil {
		return err
	}

	inst.mu.Lock()
	inst.initialized = true
	inst.mu.Unlock()
	inst.log.Info().Str("arena", inst.cfg.ArenaName()).Msg("instance started")
	started = true
	return nil
}

// performInitRoundTrip writes the initialization map into the arena
// and drives one notify/wait round trip to complete the init
// handshake.
func (inst *Instance) performInitRoundTrip(ctx context.Context) error {
	fields := map[string]string{
		"kind":            inst.cfg.Kind,
		"instance_name":   inst.cfg.Name,
		"device_id":       inst.cfg.DeviceID,
		"repository_path": inst.cfg.ModelRepository,
		"version":         inst.cfg.Version,
		"model_name":      inst.cfg.Name,
	}
	offset, err := wire.SaveMap(inst.a, fields)
	if err != nil {
		return newError(KindArena, err)
	}
	inst.ipcMessage().SetCapacity(inst.a.Capacity())
	inst.ipcMessage().SetRequestBatchOffset(offset)

	initCtx, cancel := context.WithTimeout(ctx, inst.cfg.StubTimeout)
	defer cancel()
	if !inst.tp.NotifyAndWait(initCtx) {
		return newError(KindStubLost, fmt.Errorf("init handshake round trip failed"))
	}

	respMem, err := inst.a.MapOffset(inst.ipcMessage().ResponseBatchOffset(), wire.ResponseBatchSize)
	if err != nil {
		return newError(KindArena, err)
	}
	resp := wire.NewResponseBatch(respMem)
	if resp.HasError() {
		msg := "stub rejected initialization"
		if resp.IsErrorSet() {
			if decoded, err := wire.LoadString(inst.a, resp.MessageOffset()); err == nil {
				msg = decoded
			}
		}
		return newError(KindConfig, fmt.Errorf("%w: %s", supervisor.ErrInitRejected, msg))
	}
	return nil
}

func (inst *Instance) ipcMessage() wire.IPCMessage {
	return wire.NewIPCMessage(inst.a.Base()[ipcMessageOffset : ipcMessageOffset+wire.IPCMessageSize])
}

// Stop drives the graceful-then-forced shutdown sequence and tears
// down the arena.
func (inst *Instance) Stop(ctx context.Context) error {
	if inst.sup != nil {
		inst.sup.Shutdown(ctx, inst.gracefulNotify)
	}
	inst.mu.Lock()
	inst.initialized = false
	inst.mu.Unlock()
	if inst.rv != nil {
		inst.rv.block().Stop()
	}
	if inst.a != nil {
		return inst.a.Close(true)
	}
	return nil
}

func (inst *Instance) gracefulNotify(ctx context.Context) bool {
	off, err := inst.a.Map(wire.RequestBatchSize)
	if err != nil {
		return false
	}
	mem, err := inst.a.MapOffset(off, wire.RequestBatchSize)
	if err != nil {
		return false
	}
	batch := wire.NewRequestBatch(mem)
	batch.SetBatchSize(0)
	inst.ipcMessage().SetCapacity(inst.a.Capacity())
	inst.ipcMessage().SetRequestBatchOffset(off)
	return inst.tp.NotifyAndWait(ctx)
}

// Reload restarts the stub in place, reusing the existing arena.
func (inst *Instance) Reload(ctx context.Context) error {
	err := inst.sup.Restart(ctx, inst.performInitRoundTrip)
	if err != nil {
		inst.mu.Lock()
		inst.initialized = false
		inst.mu.Unlock()
		if inst.instru != nil {
			inst.instru.RecordRestart(ctx, inst.cfg.Name)
		}
		return newError(KindStubLost, err)
	}
	inst.mu.Lock()
	inst.initialized = true
	inst.mu.Unlock()
	if inst.instru != nil {
		inst.instru.RecordRestart(ctx, inst.cfg.Name)
	}
	return nil
}

// PID returns the stub's current PID, for health.Reporter registration.
func (inst *Instance) PID() (int32, bool) {
	if inst.sup == nil {
		return 0, false
	}
	return inst.sup.PID()
}

// LivenessSource satisfies pkg/health.LivenessSource.
func (inst *Instance) LivenessSource() health.LivenessSource { return inst.rv }

func (inst *Instance) hasStub() bool {
	_, ok := inst.PID()
	return ok
}
