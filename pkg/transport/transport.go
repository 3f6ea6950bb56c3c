// Package transport implements api.BatchTransport over the rendezvous
// protocol: notifying the stub and waiting for its response is the
// only "transport" this runtime has, since the arena is the data
// channel and the futex words are the signaling channel.
package transport

import (
	"context"
	"time"
)

// Rendezvous is the subset of pkg/rendezvous.Rendezvous this package
// needs.
type Rendezvous interface {
	NotifyStub() bool
	WaitForStub(isAlive func() bool, ceiling time.Duration) bool
	IsStubAlive() bool
}

// RendezvousTransport implements api.BatchTransport by driving a
// Rendezvous's notify/wait pair for one batch round trip.
type RendezvousTransport struct {
	r Rendezvous
}

// New wraps r as a BatchTransport.
func New(r Rendezvous) *RendezvousTransport {
	return &RendezvousTransport{r: r}
}

// NotifyAndWait wakes the stub, then blocks until it responds, it is
// found dead, or ctx's deadline passes. A context deadline becomes the
// wait's overall ceiling; a context with no deadline waits unbounded,
// matching Rendezvous.WaitForStub's zero-ceiling contract. Cancellation
// of a context without a deadline is not observed.
func (t *RendezvousTransport) NotifyAndWait(ctx context.Context) bool {
	if !t.r.NotifyStub() {
		return false
	}
	var ceiling time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		ceiling = time.Until(deadline)
		if ceiling <= 0 {
			return false
		}
	}
	return t.r.WaitForStub(t.r.IsStubAlive, ceiling)
}
