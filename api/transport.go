package api

import "context"

// BatchTransport is the notify/wait round trip a single execution-loop
// batch drives once its request batch has been marshaled into the
// arena: notify the stub, then wait for its response, both against
// the rendezvous protocol. It exists as an interface so pkg/instance's
// execution loop can be tested against a fake stub without a real
// rendezvous block.
type BatchTransport interface {
	// NotifyAndWait wakes the stub and blocks until it signals the
	// response is ready or ctx ends the wait. It returns false if the
	// stub was found dead or the wait ended without a response.
	NotifyAndWait(ctx context.Context) (alive bool)
}
