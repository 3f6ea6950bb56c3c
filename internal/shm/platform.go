// Package shm contains platform-specific helpers for mapping a named
// shared-memory region into the process address space. It is the only
// package in this module that maps or grows shared memory; everything
// above it (pkg/arena) works exclusively in terms of byte offsets.
package shm

import "fmt"

// MapOptions describes a region to create or open.
type MapOptions struct {
	// Name is the region identifier, e.g. "myinst_gpu_0". Callers are
	// responsible for producing a name that is unique per (instance,
	// kind, device) triple as required by the arena naming scheme.
	Name string
	// Size is the requested size in bytes. Ignored when opening an
	// existing region that is not being created.
	Size int
	// Create requests O_CREAT semantics; if the region already exists
	// with a different size, Map returns ErrSizeMismatch.
	Create bool
	// Truncate requests the backing object be truncated to Size even
	// if it already existed (used when a stale region is being reused
	// across a supervisor restart).
	Truncate bool
}

// MappedRegion is a live mapping of a named shared-memory region.
type MappedRegion struct {
	// Addr is the mapped memory. Offsets handed out by pkg/arena are
	// relative to Addr[0].
	Addr []byte
	// Name is the region identifier this mapping was opened under.
	Name string
	// Path is the backing object's filesystem path, when applicable.
	Path string

	fd       int
	platform platformState
}

// ErrSizeMismatch is returned when an existing region's size does not
// match the caller's expectations and Truncate was not requested.
var ErrSizeMismatch = fmt.Errorf("shm: existing region size mismatch")

// ErrUnsupported is returned by platforms lacking a real implementation.
var ErrUnsupported = fmt.Errorf("shm: unsupported platform")
