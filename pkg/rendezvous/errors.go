package rendezvous

import "errors"

// ErrFutexTimeout is returned by the platform wait primitive when a
// futex word did not change value before the deadline.
var ErrFutexTimeout = errors.New("rendezvous: futex wait timed out")

// ErrAlreadyStarted is returned by Start when the parent-side scoped
// acquisition has already been taken for this block.
var ErrAlreadyStarted = errors.New("rendezvous: parent scope already started")
