//go:build unix

// Package supervisor forks, execs, health-checks, gracefully shuts
// down, and restarts the stub child process a single instance runs
// its model in. It is built only on unix: the fork/exec/SIGTERM
// process model it relies on has no Windows equivalent that
// preserves the same semantics.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/instance-shm/api"
	"github.com/srediag/instance-shm/pkg/metrics"
)

const (
	// DefaultStubTimeout is stub_timeout_seconds' default
	DefaultStubTimeout = 30 * time.Second
	// shutdownGrace is the fixed sleep between the graceful-shutdown
	// path's two reads of the health flag
	shutdownGrace = time.Second
	// defaultStubBinaryName is used when Config.StubBinaryName is empty
	// and no per-model override exists at ModelPath/stub.
	defaultStubBinaryName = "stub"
)

// Rendezvous is the subset of pkg/rendezvous.Rendezvous the supervisor
// drives directly, independent of pkg/wire's arena-resident records.
type Rendezvous interface {
	Init()
	NotifyStub() bool
	WaitForStub(isAlive func() bool, ceiling time.Duration) bool
	IsStubAlive() bool
}

// Config configures one stub subprocess.
type Config struct {
	// ModelRepository is <repository> in its model layout.
	ModelRepository string
	// Version selects <repository>/<version>/model.py.
	Version string
	// StubBinaryName overrides the default stub binary lookup; when
	// set, <ModelRepository>/<Version>/<StubBinaryName> is preferred
	// over BackendStubPath if it exists.
	StubBinaryName string
	// BackendStubPath is the backend-global stub binary used when no
	// per-model override exists.
	BackendStubPath string
	// BackendLibPath is passed as the stub's final positional argument.
	BackendLibPath string
	// ArenaName is passed as the stub's arena-name argument.
	ArenaName string
	// DefaultSize and GrowthSize are passed as the stub's size
	// arguments, in bytes.
	DefaultSize uint64
	GrowthSize  uint64
	// EnvPath is EXECUTION_ENV_PATH: when non-empty, the spawn command
	// sources <EnvPath>/bin/activate and prefixes LD_LIBRARY_PATH with
	// <EnvPath>/lib before exec'ing the stub.
	EnvPath string
	// StubTimeout bounds the init handshake's wait for the stub's
	// ready signal. Zero selects DefaultStubTimeout.
	StubTimeout time.Duration
}

func (c Config) modelPath() string {
	return filepath.Join(c.ModelRepository, c.Version)
}

func (c Config) modelFile() string {
	return filepath.Join(c.modelPath(), "model.py")
}

func (c Config) resolveStubPath() string {
	name := c.StubBinaryName
	if name == "" {
		name = defaultStubBinaryName
	}
	override := filepath.Join(c.modelPath(), name)
	if info, err := os.Stat(override); err == nil && !info.IsDir() {
		return override
	}
	return c.BackendStubPath
}

func (c Config) stubTimeout() time.Duration {
	if c.StubTimeout <= 0 {
		return DefaultStubTimeout
	}
	return c.StubTimeout
}

// Supervisor owns the lifecycle of one instance's stub process.
type Supervisor struct {
	cfg     Config
	rv      Rendezvous
	sec     api.PathValidator
	audit   api.AuditLogger
	restart backoff.BackOff

	mu          sync.Mutex
	cmd         *exec.Cmd
	pid         int
	initialized bool
}

// New returns a Supervisor for one instance. sec and audit may be nil,
// in which case validation and audit logging are skipped.
func New(cfg Config, rv Rendezvous, sec api.PathValidator, audit api.AuditLogger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		rv:      rv,
		sec:     sec,
		audit:   audit,
		restart: backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3),
	}
}

func (s *Supervisor) logEvent(event string, fields map[string]any) {
	if s.audit != nil {
		s.audit.LogEvent(event, fields)
	}
}

// Spawn validates the model layout, builds the stub command line,
// resolves the stub binary, and forks+execs it via a shell. It does
// not wait for the stub to become ready; call InitHandshake for that.
func (s *Supervisor) Spawn(ctx context.Context) error {
	metrics.StubSpawns.Inc()

	if s.sec != nil {
		if err := s.sec.ValidateModelPath(s.cfg.modelPath()); err != nil {
			metrics.StubSpawnFailures.Inc()
			return err
		}
	}
	if _, err := os.Stat(s.cfg.modelFile()); err != nil {
		metrics.StubSpawnFailures.Inc()
		return fmt.Errorf("%w: %s", ErrModelFileMissing, s.cfg.modelFile())
	}

	stubPath := s.cfg.resolveStubPath()
	if stubPath == "" {
		metrics.StubSpawnFailures.Inc()
		return fmt.Errorf("supervisor: no stub binary resolved for %s", s.cfg.modelPath())
	}

	args := []string{
		stubPath,
		s.cfg.modelFile(),
		s.cfg.ArenaName,
		strconv.FormatUint(s.cfg.DefaultSize, 10),
		strconv.FormatUint(s.cfg.GrowthSize, 10),
		strconv.Itoa(os.Getpid()),
		s.cfg.BackendLibPath,
	}
	command := "exec " + shellJoin(args)

	if s.cfg.EnvPath != "" {
		activate := filepath.Join(s.cfg.EnvPath, "bin", "activate")
		if s.sec != nil {
			if err := s.sec.ValidateActivateScript(activate); err != nil {
				metrics.StubSpawnFailures.Inc()
				return err
			}
		}
		envLib := filepath.Join(s.cfg.EnvPath, "lib")
		command = fmt.Sprintf("export LD_LIBRARY_PATH=%s:$LD_LIBRARY_PATH; source %s && %s",
			shellQuote(envLib), shellQuote(activate), command)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		metrics.StubSpawnFailures.Inc()
		s.logEvent("stub_spawn_failed", map[string]any{"arena": s.cfg.ArenaName, "error": err.Error()})
		return fmt.Errorf("supervisor: exec stub: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.mu.Unlock()

	s.logEvent("stub_spawned", map[string]any{"arena": s.cfg.ArenaName, "pid": cmd.Process.Pid})
	return nil
}

// InitHandshake waits for the stub's ready signal, then returns,
// leaving the request/response round trip that carries the
// initialization map to the caller (pkg/instance), which knows how to
// marshal it through pkg/wire.
func (s *Supervisor) InitHandshake(ctx context.Context) error {
	ready := make(chan bool, 1)
	go func() { ready <- s.rv.WaitForStub(s.isProcessAlive, s.cfg.stubTimeout()) }()

	select {
	case ok := <-ready:
		if !ok {
			s.logEvent("stub_init_timeout", map[string]any{"arena": s.cfg.ArenaName})
			return ErrInitTimeout
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.logEvent("stub_initialized", map[string]any{"arena": s.cfg.ArenaName})
	return nil
}

// PID returns the stub's current PID and whether one is running.
func (s *Supervisor) PID() (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.pid == 0 {
		return 0, false
	}
	return int32(s.pid), true
}

func (s *Supervisor) isProcessAlive() bool {
	pid, ok := s.PID()
	if !ok {
		return false
	}
	alive, err := gopsprocess.PidExists(pid)
	return err == nil && alive
}

// Shutdown implements its shutdown sequence: an optional
// graceful round trip when the stub still looks healthy, followed
// unconditionally by SIGTERM and waitpid if a stub is running. "Looks
// healthy" means IsStubAlive reports true both before and after the
// shutdownGrace sleep; Shutdown does not itself clear the health flag
// first, so a flag the stub set earlier and left set passes both reads.
// gracefulNotify is called to perform the batch_size=0 notify/wait
// round trip; pkg/instance supplies it because it owns the wire
// marshaling.
func (s *Supervisor) Shutdown(ctx context.Context, gracefulNotify func(ctx context.Context) bool) {
	s.mu.Lock()
	wasInitialized := s.initialized
	s.mu.Unlock()

	if wasInitialized && s.rv.IsStubAlive() {
		time.Sleep(shutdownGrace)
		if s.rv.IsStubAlive() {
			gracefulNotify(ctx)
		}
	}

	s.kill()
}

func (s *Supervisor) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	_ = cmd.Wait()

	s.mu.Lock()
	s.cmd = nil
	s.pid = 0
	s.initialized = false
	s.mu.Unlock()
	metrics.StubStops.Inc()
	s.logEvent("stub_stopped", map[string]any{"arena": s.cfg.ArenaName})
}

// Restart implements its restart contract: kill any live
// stub, reinitialize the rendezvous block in place, then respawn and
// re-run the init handshake, retrying with exponential backoff. On
// exhausted retries the instance is left stub-less (PID reports
// false) and the caller must fail batches fast until a future Restart
// succeeds.
func (s *Supervisor) Restart(ctx context.Context, doInit func(ctx context.Context) error) error {
	s.kill()
	s.restart.Reset()

	return backoff.Retry(func() error {
		s.rv.Init()
		if err := s.Spawn(ctx); err != nil {
			return err
		}
		if err := s.InitHandshake(ctx); err != nil {
			s.kill()
			return err
		}
		if doInit != nil {
			if err := doInit(ctx); err != nil {
				s.kill()
				return err
			}
		}
		return nil
	}, backoff.WithContext(s.restart, ctx))
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

func shellJoin(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += shellQuote(a)
	}
	return out
}
