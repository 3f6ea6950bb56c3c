//go:build unix

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRendezvous stands in for pkg/rendezvous.Rendezvous, letting these
// tests drive the supervisor's spawn/handshake/shutdown/restart logic
// without a real shared-memory futex block.
type fakeRendezvous struct {
	mu          sync.Mutex
	alive       bool
	waitOK      bool
	notifyCalls int
	waitCalls   int
}

func (f *fakeRendezvous) Init() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

func (f *fakeRendezvous) NotifyStub() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCalls++
	return true
}

func (f *fakeRendezvous) WaitForStub(isAlive func() bool, ceiling time.Duration) bool {
	f.mu.Lock()
	f.waitCalls++
	ok := f.waitOK
	f.mu.Unlock()
	return ok
}

func (f *fakeRendezvous) IsStubAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeRendezvous) setAlive(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = v
}

func (f *fakeRendezvous) setWaitOK(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitOK = v
}

// writeStubScript lays out a fake model repository with a stub script
// that sleeps for the given duration then exits 0, standing in for a
// real stub binary in tests that only exercise process lifecycle, not
// the wire protocol.
func writeStubScript(t *testing.T, sleep time.Duration) Config {
	t.Helper()
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	version := "1"
	modelDir := filepath.Join(repo, version)
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "model.py"), []byte("# model"), 0o644))

	script := filepath.Join(modelDir, "stub")
	body := "#!/bin/sh\nsleep " + sleep.String() + "\nexit 0\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	return Config{
		ModelRepository: repo,
		Version:         version,
		ArenaName:       "test_arena",
		DefaultSize:     4 << 20,
		GrowthSize:      4 << 20,
	}
}

func TestSpawnRejectsMissingModelFile(t *testing.T) {
	cfg := Config{ModelRepository: t.TempDir(), Version: "1"}
	rv := &fakeRendezvous{}
	s := New(cfg, rv, nil, nil)
	err := s.Spawn(context.Background())
	require.ErrorIs(t, err, ErrModelFileMissing)
}

func TestSpawnAndShutdownReapsStub(t *testing.T) {
	cfg := writeStubScript(t, 30*time.Second)
	rv := &fakeRendezvous{}
	s := New(cfg, rv, nil, nil)

	require.NoError(t, s.Spawn(context.Background()))
	pid, ok := s.PID()
	require.True(t, ok)
	require.Positive(t, pid)

	rv.setWaitOK(true)
	require.NoError(t, s.InitHandshake(context.Background()))

	rv.setAlive(false) // stub never toggles health in this fake
	s.Shutdown(context.Background(), func(ctx context.Context) bool { return true })

	_, ok = s.PID()
	require.False(t, ok)
}

func TestInitHandshakeTimesOut(t *testing.T) {
	cfg := writeStubScript(t, 5*time.Second)
	cfg.StubTimeout = 200 * time.Millisecond
	rv := &fakeRendezvous{}
	s := New(cfg, rv, nil, nil)

	require.NoError(t, s.Spawn(context.Background()))
	defer s.kill()

	rv.setWaitOK(false)
	err := s.InitHandshake(context.Background())
	require.ErrorIs(t, err, ErrInitTimeout)
}

func TestRestartRespawnsAfterKill(t *testing.T) {
	cfg := writeStubScript(t, 30*time.Second)
	rv := &fakeRendezvous{}
	s := New(cfg, rv, nil, nil)

	require.NoError(t, s.Spawn(context.Background()))
	firstPID, _ := s.PID()

	rv.setWaitOK(true)
	err := s.Restart(context.Background(), nil)
	require.NoError(t, err)

	secondPID, ok := s.PID()
	require.True(t, ok)
	require.NotEqual(t, firstPID, secondPID)
}

func TestShutdownWithoutInitializationOnlyKillsProcess(t *testing.T) {
	cfg := writeStubScript(t, 30*time.Second)
	rv := &fakeRendezvous{}
	s := New(cfg, rv, nil, nil)

	require.NoError(t, s.Spawn(context.Background()))
	notified := false
	s.Shutdown(context.Background(), func(ctx context.Context) bool {
		notified = true
		return true
	})
	require.False(t, notified, "graceful notify must be skipped before InitHandshake succeeds")

	_, ok := s.PID()
	require.False(t, ok)
}
