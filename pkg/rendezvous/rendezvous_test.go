package rendezvous

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newBlock() *Rendezvous {
	mem := make([]byte, BlockSize)
	r := New(mem)
	r.Init()
	return r
}

func TestNotifyWaitRoundTrip(t *testing.T) {
	r := newBlock()
	require.NoError(t, r.Start())
	defer r.Stop()

	done := make(chan struct{})
	ready := make(chan struct{})
	go func() {
		defer close(done)
		close(ready)
		require.True(t, r.WaitForNotify(2*time.Second))
		require.True(t, r.SignalHealthy())
		r.SignalParent()
	}()

	// WaitForNotify only observes notifies issued after it starts
	// waiting, so give the stub side time to block first.
	<-ready
	time.Sleep(50 * time.Millisecond)
	require.True(t, r.NotifyStub())
	require.True(t, r.WaitForStub(func() bool { return true }, 0))
	<-done
	require.True(t, r.IsStubAlive())
}

func TestIsStubAliveFalseWhenNeverSignaled(t *testing.T) {
	r := newBlock()
	require.NoError(t, r.Start())
	defer r.Stop()

	// wait_for_stub re-arms health=false; with nobody ever setting it
	// back to true, the liveness probe must report false.
	require.False(t, r.WaitForStub(func() bool { return false }, 0))
	require.False(t, r.IsStubAlive())
}

func TestWaitForStubReturnsFalseOnDeadStub(t *testing.T) {
	r := newBlock()
	require.NoError(t, r.Start())
	defer r.Stop()

	calls := 0
	alive := func() bool {
		calls++
		return calls < 2 // alive for the first slice, dead on the second
	}
	start := time.Now()
	require.False(t, r.WaitForStub(alive, 0))
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestWaitForStubRespectsOverallCeiling(t *testing.T) {
	r := newBlock()
	require.NoError(t, r.Start())
	defer r.Stop()

	start := time.Now()
	// Alive forever, but nobody ever signals the parent condition: an
	// alive-but-stuck stub. The ceiling must still break the wait.
	got := r.WaitForStub(func() bool { return true }, 1200*time.Millisecond)
	require.False(t, got)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestHealthMutexSerializesAcrossGoroutines(t *testing.T) {
	r := newBlock()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.True(t, r.SignalHealthy())
		}()
	}
	wg.Wait()
	require.True(t, r.IsStubAlive())
}
