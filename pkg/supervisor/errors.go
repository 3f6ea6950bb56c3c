package supervisor

import "errors"

var (
	// ErrModelFileMissing means <repository>/<version>/model.py does not
	// exist.
	ErrModelFileMissing = errors.New("supervisor: model.py not found under model path")
	// ErrInitTimeout means the stub did not signal readiness within
	// stub_timeout_seconds.
	ErrInitTimeout = errors.New("supervisor: stub did not signal ready before timeout")
	// ErrInitRejected means the stub's init handshake response carried
	// has_error.
	ErrInitRejected = errors.New("supervisor: stub rejected initialization")
	// ErrNoStub means no stub process is currently running for this
	// instance; batches fail fast until a restart succeeds.
	ErrNoStub = errors.New("supervisor: stub has exited unexpectedly")
)
