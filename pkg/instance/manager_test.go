//go:build unix

package instance

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/srediag/instance-shm/pkg/supervisor"
)

// noopRendezvous satisfies supervisor.Rendezvous without touching any
// shared memory, for Manager tests that only need Supervisor.Restart's
// retry bookkeeping, never a real handshake.
type noopRendezvous struct{}

func (noopRendezvous) Init()                                                       {}
func (noopRendezvous) NotifyStub() bool                                            { return true }
func (noopRendezvous) WaitForStub(isAlive func() bool, ceiling time.Duration) bool { return true }
func (noopRendezvous) IsStubAlive() bool                                           { return true }

// noopLivenessSource satisfies health.LivenessSource for Manager tests
// that only need Register/Unregister bookkeeping, never a real
// rendezvous block.
type noopLivenessSource struct{}

func (noopLivenessSource) IsStubAlive() bool { return true }

func newTestManager(t *testing.T, buf *bytes.Buffer, factory Factory) *Manager {
	t.Helper()
	log := zerolog.New(buf)
	m, err := NewManager(log, factory)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestManagerStartInstancePropagatesFactoryError(t *testing.T) {
	boom := fmt.Errorf("boom")
	m := newTestManager(t, &bytes.Buffer{}, func(name string) (*Instance, error) {
		return nil, boom
	})

	err := m.StartInstance(context.Background(), "model-a")
	require.ErrorIs(t, err, boom)
	_, ok := m.Get("model-a")
	require.False(t, ok)
}

func TestManagerStartInstancePropagatesStartError(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, func(name string) (*Instance, error) {
		cfg := testConfig(t, t.TempDir(), "1") // no model.py, Start fails fast
		cfg.Name = name
		return New(cfg, zerolog.Nop(), nil, nil, nil), nil
	})

	err := m.StartInstance(context.Background(), "model-a")
	require.Error(t, err)
	_, ok := m.Get("model-a")
	require.False(t, ok, "a failed Start must not leave the instance registered")
}

func TestManagerStartInstanceRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)
	m.instances.Set("model-a", &Instance{})

	err := m.StartInstance(context.Background(), "model-a")
	require.Error(t, err)
	var instErr *Error
	require.ErrorAs(t, err, &instErr)
	require.Equal(t, KindConfig, instErr.Kind)
}

func TestManagerStopInstanceUnregistersAndCallsStop(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)
	m.instances.Set("model-a", &Instance{})
	m.Health().Register("model-a", noopLivenessSource{}, nil)

	require.NoError(t, m.StopInstance(context.Background(), "model-a"))
	_, ok := m.Get("model-a")
	require.False(t, ok)
	_, err := m.Health().LivenessCheck("model-a")
	require.Error(t, err, "Unregister should have removed the health source too")
}

func TestManagerStopInstanceUnknownNameErrors(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)
	err := m.StopInstance(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestManagerReloadInstanceUnknownNameErrors(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)
	err := m.ReloadInstance(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestManagerReloadInstancePropagatesRestartFailure(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)
	sup := supervisor.New(supervisor.Config{
		ModelRepository: t.TempDir(), // empty: model.py never resolves
		Version:         "1",
	}, noopRendezvous{}, nil, nil)
	m.instances.Set("model-a", &Instance{sup: sup, log: zerolog.Nop()})

	err := m.ReloadInstance(context.Background(), "model-a")
	require.Error(t, err)
	var instErr *Error
	require.ErrorAs(t, err, &instErr)
	require.Equal(t, KindStubLost, instErr.Kind)
}

func TestManagerNamesReflectsRegistry(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)
	m.instances.Set("a", &Instance{})
	m.instances.Set("b", &Instance{})
	require.ElementsMatch(t, []string{"a", "b"}, m.Names())
}

// TestManagerEnqueueRestartDrainsThroughToReloadInstance verifies the
// whole queue: EnqueueRestart -> drainRestarts -> pool -> ReloadInstance,
// observable here because the target name is unregistered and
// ReloadInstance's resulting error gets logged by the drain loop.
func TestManagerEnqueueRestartDrainsThroughToReloadInstance(t *testing.T) {
	var buf bytes.Buffer
	m := newTestManager(t, &buf, nil)

	require.NoError(t, m.EnqueueRestart("ghost"))

	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("queued restart failed"))
	}, time.Second, 10*time.Millisecond)
}

func TestManagerCloseStopsAcceptingRestarts(t *testing.T) {
	m := newTestManager(t, &bytes.Buffer{}, nil)
	m.Close()
	err := m.EnqueueRestart("anything")
	require.Error(t, err)
}
