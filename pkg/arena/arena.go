// Package arena implements the single-producer, growable bump allocator
// that is the sole data channel between the host process and a stub
// child process. All offsets it hands out are relative to the mapped
// region's base address and remain valid for readers in either process
// until the next SetWatermark reset or Close.
package arena

import (
	"fmt"
	"sync"
	"sync/atomic"

	internalshm "github.com/srediag/instance-shm/internal/shm"
)

const (
	// DefaultSize is the default region size when the caller does not
	// override it.
	DefaultSize = 64 << 20 // 64 MiB
	// DefaultGrowth is the default growth step.
	DefaultGrowth = 64 << 20 // 64 MiB
	// MinSize is the minimum allowed default size.
	MinSize = 4 << 20 // 4 MiB
	// MaxTensorBytes is the largest single tensor byte_size this arena
	// will stage; larger requests fail with a distinct unsupported-size
	// error at the wire/instance layer, not here.
	MaxTensorBytes = 2 << 30 // 2 GiB

	headerMagic   uint32 = 0x53484d41 // "SHMA"
	headerVersion uint32 = 1

	offMagic      = 0
	offVersion    = 4
	offCapacity   = 8
	offWatermark  = 16
	offGrowthStep = 24
	offGeneration = 32
	// HeaderSize is the fixed size of the arena header occupying the
	// start of the region. Rendezvous and other permanently-reserved
	// records are allocated immediately after it.
	HeaderSize = 64
)

// Options configures Arena construction.
type Options struct {
	// Name is a stable identifier derived by the caller from
	// (instance_name, kind, device_id).
	Name string
	// DefaultSize is the initial region size; must be >= MinSize.
	// Zero selects DefaultSize.
	DefaultSize uint64
	// GrowthSize is the amount capacity increases by when a Map call
	// would otherwise exceed capacity. Zero selects DefaultGrowth.
	GrowthSize uint64
	// Create requests that a new region be created; when false, Open
	// attaches to an existing region created by a peer.
	Create bool
	// Truncate forces the backing object to DefaultSize even if a
	// stale object of a different size exists under Name (used when a
	// supervisor restart reuses an instance's arena slot).
	Truncate bool
}

// Arena is a bump-allocated, growable shared-memory region.
type Arena struct {
	mu     sync.Mutex
	region *internalshm.MappedRegion
	name   string

	// floor is the lowest offset SetWatermark may retreat to: the end
	// of the header plus whatever was reserved via MarkFloor before
	// any batch traffic began (the rendezvous block, in practice).
	floor uint64
}

// Open creates or attaches to a named shared-memory arena.
func Open(opts Options) (*Arena, error) {
	if opts.Name == "" {
		return nil, newError(KindMapFailure, opts.Name, fmt.Errorf("empty arena name"))
	}
	size := opts.DefaultSize
	if size == 0 {
		size = DefaultSize
	}
	if size < MinSize {
		return nil, newError(KindMapFailure, opts.Name, fmt.Errorf("default size %d below minimum %d", size, MinSize))
	}
	growth := opts.GrowthSize
	if growth == 0 {
		growth = DefaultGrowth
	}

	region, err := internalshm.Map(internalshm.MapOptions{
		Name:     opts.Name,
		Size:     int(size),
		Create:   opts.Create,
		Truncate: opts.Truncate,
	})
	if err != nil {
		if err == internalshm.ErrSizeMismatch {
			return nil, newError(KindNameCollision, opts.Name, err)
		}
		return nil, newError(KindMapFailure, opts.Name, err)
	}

	a := &Arena{region: region, name: opts.Name}

	if opts.Create || opts.Truncate {
		a.initHeader(uint64(len(region.Addr)), growth)
	} else if err := a.validateHeader(); err != nil {
		_ = internalshm.Unmap(region, false)
		return nil, err
	}
	a.floor = HeaderSize
	return a, nil
}

func (a *Arena) initHeader(capacity, growth uint64) {
	putU32(a.region.Addr, offMagic, headerMagic)
	putU32(a.region.Addr, offVersion, headerVersion)
	atomic.StoreUint64(a.u64ptr(offCapacity), capacity)
	atomic.StoreUint64(a.u64ptr(offWatermark), HeaderSize)
	atomic.StoreUint64(a.u64ptr(offGrowthStep), growth)
	putU32(a.region.Addr, offGeneration, 0)
}

func (a *Arena) validateHeader() error {
	if len(a.region.Addr) < HeaderSize {
		return newError(KindMapFailure, a.name, fmt.Errorf("region smaller than header"))
	}
	if getU32(a.region.Addr, offMagic) != headerMagic {
		return newError(KindNameCollision, a.name, fmt.Errorf("bad magic: not an instance-shm arena"))
	}
	return nil
}

func (a *Arena) u64ptr(off int) *uint64 { return u64ptr(a.region.Addr, off) }

// MarkFloor freezes the current watermark as the minimum SetWatermark
// may retreat to. It must be called once, immediately after all
// permanently-live records (the rendezvous block) have been allocated
// via Map, before the first batch is processed.
func (a *Arena) MarkFloor() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.floor = a.Watermark()
}

// Name returns the arena's identifier.
func (a *Arena) Name() string { return a.name }

// Capacity returns the region's current total capacity in bytes.
func (a *Arena) Capacity() uint64 {
	return atomic.LoadUint64(a.u64ptr(offCapacity))
}

// Watermark returns the current allocation frontier.
func (a *Arena) Watermark() uint64 {
	return atomic.LoadUint64(a.u64ptr(offWatermark))
}

// Generation increments every time the region is grown; a reader (the
// stub) compares this against its last observed value to know when it
// must re-map before reading past its previously known bound.
func (a *Arena) Generation() uint32 {
	return getU32(a.region.Addr, offGeneration)
}

// Map reserves size bytes at the current watermark, growing the
// backing object by the configured growth step (or more, if size
// itself exceeds one growth step) if needed. It returns the offset of
// the newly reserved region.
func (a *Arena) Map(size uint64) (uint64, error) {
	if size == 0 {
		return 0, newError(KindOutOfCapacity, a.name, fmt.Errorf("zero-size allocation"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	watermark := a.Watermark()
	capacity := a.Capacity()
	need := watermark + size
	if need > capacity {
		if err := a.growLocked(need); err != nil {
			return 0, err
		}
		capacity = a.Capacity()
		if need > capacity {
			return 0, newError(KindOutOfCapacity, a.name, fmt.Errorf("need %d bytes, capacity %d after growth", need, capacity))
		}
	}
	atomic.StoreUint64(a.u64ptr(offWatermark), need)
	return watermark, nil
}

// growLocked extends capacity by at least the configured growth step,
// and by more than that if a single allocation would not otherwise
// fit, per the growth policy of "while watermark + size > capacity,
// extend capacity by growth step (never less than size)".
func (a *Arena) growLocked(minCapacity uint64) error {
	step := atomic.LoadUint64(a.u64ptr(offGrowthStep))
	if step == 0 {
		step = DefaultGrowth
	}
	newCapacity := a.Capacity()
	for newCapacity < minCapacity {
		newCapacity += step
	}
	if err := internalshm.Grow(a.region, int(newCapacity)); err != nil {
		return newError(KindMapFailure, a.name, err)
	}
	atomic.StoreUint64(a.u64ptr(offCapacity), newCapacity)
	putU32(a.region.Addr, offGeneration, getU32(a.region.Addr, offGeneration)+1)
	return nil
}

// MapOffset resolves a previously allocated offset into a byte slice of
// the given length, growing the mapping if the offset was allocated by
// a peer that has since grown the arena and this side hasn't observed
// it yet.
func (a *Arena) MapOffset(offset, size uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset+size > uint64(len(a.region.Addr)) {
		if offset+size > a.Capacity() {
			return nil, newError(KindInvalidOffset, a.name, fmt.Errorf("offset %d size %d exceeds capacity %d", offset, size, a.Capacity()))
		}
		if err := internalshm.Grow(a.region, int(a.Capacity())); err != nil {
			return nil, newError(KindMapFailure, a.name, err)
		}
	}
	return a.region.Addr[offset : offset+size], nil
}

// SetWatermark retreats the allocation frontier to a previously
// recorded value, recycling per-batch storage. It refuses to retreat
// below the floor established by MarkFloor.
func (a *Arena) SetWatermark(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset < a.floor {
		return newError(KindInvalidOffset, a.name, fmt.Errorf("watermark %d below floor %d", offset, a.floor))
	}
	if offset > a.Capacity() {
		return newError(KindInvalidOffset, a.name, fmt.Errorf("watermark %d exceeds capacity %d", offset, a.Capacity()))
	}
	atomic.StoreUint64(a.u64ptr(offWatermark), offset)
	return nil
}

// Base returns the raw mapped memory. Only pkg/rendezvous and pkg/wire,
// which know how to interpret specific offset ranges, should call this.
func (a *Arena) Base() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.region.Addr
}

// Close unmaps the region. When remove is true the backing shared
// memory object is also unlinked; a supervisor restart should pass
// false so the same slot can be reinitialized in place, while final
// instance teardown should pass true.
func (a *Arena) Close(remove bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return internalshm.Unmap(a.region, remove)
}
