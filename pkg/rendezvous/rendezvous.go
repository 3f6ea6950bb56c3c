// Package rendezvous implements the cross-process wake-up protocol
// between the host and the stub child process. It places three mutex
// words, two condition words, and one health flag inside the arena so
// both processes observe the same memory, and it provides the
// notify/wait/liveness operations a host/stub pair needs.
//
// The ABI represents each named mutex and each condition as its own
// 32-bit futex word that serves simultaneously as state and wait/wake
// address, instead of a pthread mutex/condition object; this choice is
// recorded as a decided design question in DESIGN.md.
package rendezvous

import (
	"sync/atomic"
	"time"
)

// BlockSize is the number of bytes the rendezvous block occupies in
// the arena. Callers reserve it with a single Arena.Map call before
// any batch traffic begins.
const BlockSize = 32

const (
	offStubMutex   = 0
	offStubCond    = 4
	offParentMutex = 8
	offParentCond  = 12
	offHealthMutex = 16
	offHealth      = 20
	offParentHeld  = 24
)

const (
	// probeTimeout bounds notify/health mutex acquisition attempts,
	// "1-second timeout" language.
	probeTimeout = time.Second
	// waitSlice bounds each iteration of wait_for_stub's bounded wait,
	// between which liveness is re-checked.
	waitSlice = time.Second
)

// Rendezvous wraps a fixed-offset region of an arena's shared memory
// implementing the notify/wait/health protocol.
type Rendezvous struct {
	mem []byte // exactly BlockSize bytes, aliasing arena memory
}

// New wraps mem (which must be at least BlockSize bytes) as a
// rendezvous block. Use Init to zero a freshly allocated block; skip
// Init to interpret one already initialized by a peer.
func New(mem []byte) *Rendezvous {
	return &Rendezvous{mem: mem[:BlockSize]}
}

// Init zeroes the block. Called once by the host when the arena is
// first created, and again in place on every supervisor restart so the
// stub's fixed-offset view of the block remains valid while its
// internal state (locks, health) is reset.
func (r *Rendezvous) Init() {
	for i := range r.mem {
		r.mem[i] = 0
	}
}

func (r *Rendezvous) word(off int) *uint32 {
	return u32ptr(r.mem, off)
}

// Start takes the host's long-lived scoped acquisition of the parent
// side of the protocol. It must be called once before the first batch
// and released with Stop before the arena is torn down.
func (r *Rendezvous) Start() error {
	if !atomic.CompareAndSwapUint32(r.word(offParentHeld), 0, 1) {
		return ErrAlreadyStarted
	}
	return nil
}

// Stop releases the host's scoped acquisition. It must be called
// before the arena backing this block is unmapped.
func (r *Rendezvous) Stop() {
	atomic.StoreUint32(r.word(offParentHeld), 0)
}

// NotifyStub signals the stub condition, waking a stub blocked in its
// own wait. It acquires the stub mutex with a 1-second timeout; on
// timeout it returns false, meaning the stub is presumed stuck.
func (r *Rendezvous) NotifyStub() bool {
	if !acquire(r.word(offStubMutex), probeTimeout) {
		return false
	}
	defer release(r.word(offStubMutex))

	bumpAndWake(r.word(offStubCond))
	return true
}

// WaitForStub re-arms health to false, then waits on the parent
// condition in bounded slices, checking isAlive between slices. It
// returns false the instant isAlive reports the stub is gone, or once
// ceiling (if non-zero) has elapsed since the call began — the
// optional overall bound described in DESIGN.md's third Open Question
// resolution. A zero ceiling waits with no
// overall bound, exactly matching the source design.
func (r *Rendezvous) WaitForStub(isAlive func() bool, ceiling time.Duration) bool {
	if !acquire(r.word(offHealthMutex), probeTimeout) {
		return false
	}
	atomic.StoreUint32(r.word(offHealth), 0)
	release(r.word(offHealthMutex))

	start := time.Now()
	last := atomic.LoadUint32(r.word(offParentCond))
	for {
		if err := futexWaitTimeout(r.word(offParentCond), last, int64(waitSlice)); err == nil {
			if atomic.LoadUint32(r.word(offParentCond)) != last {
				return true
			}
		}
		if !isAlive() {
			return false
		}
		if ceiling > 0 && time.Since(start) > ceiling {
			return false
		}
	}
}

// IsStubAlive attempts to acquire the health mutex with a 1-second
// timeout. If acquired, it returns the current health flag; if the
// mutex could not be acquired (held by a dead or frozen peer), it
// returns false.
func (r *Rendezvous) IsStubAlive() bool {
	if !acquire(r.word(offHealthMutex), probeTimeout) {
		return false
	}
	defer release(r.word(offHealthMutex))
	return atomic.LoadUint32(r.word(offHealth)) == 1
}

// -- stub-side contract, used only by the in-process fake stub in
// tests; a real stub implements the equivalent in its own process. --

// SignalHealthy sets health = true under the health mutex, as the stub
// contract requires it do immediately after reading a request and
// before beginning work.
func (r *Rendezvous) SignalHealthy() bool {
	if !acquire(r.word(offHealthMutex), probeTimeout) {
		return false
	}
	defer release(r.word(offHealthMutex))
	atomic.StoreUint32(r.word(offHealth), 1)
	return true
}

// SignalParent signals the parent condition, as the stub contract
// requires it do after writing the response batch.
func (r *Rendezvous) SignalParent() {
	bumpAndWake(r.word(offParentCond))
}

// WaitForNotify blocks the stub side until the host calls NotifyStub,
// or timeout elapses. Used only by the in-process fake stub in tests.
func (r *Rendezvous) WaitForNotify(timeout time.Duration) bool {
	last := atomic.LoadUint32(r.word(offStubCond))
	err := futexWaitTimeout(r.word(offStubCond), last, int64(timeout))
	return err == nil && atomic.LoadUint32(r.word(offStubCond)) != last
}

func bumpAndWake(word *uint32) {
	atomic.AddUint32(word, 1)
	futexWake(word, 1)
}

func acquire(word *uint32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if atomic.CompareAndSwapUint32(word, 0, 1) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		_ = futexWaitTimeout(word, 1, int64(remaining))
	}
}

func release(word *uint32) {
	atomic.StoreUint32(word, 0)
	futexWake(word, 1)
}
