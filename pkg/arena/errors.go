package arena

import "fmt"

// Kind classifies an arena-level failure, matching the "Arena" error
// kind of the host runtime's error taxonomy (Configuration, Arena,
// Stub-lost, Per-request model error, Batch-level model error,
// Per-slot marshaling error).
type Kind int

const (
	// KindMapFailure covers OS-level mapping failures (open, ftruncate,
	// mmap all report this kind).
	KindMapFailure Kind = iota
	// KindNameCollision is returned when an existing shared-memory
	// object is found under the requested name with an incompatible
	// size and Truncate was not requested.
	KindNameCollision
	// KindOutOfCapacity is returned when a Map request cannot be
	// satisfied even after growing by the configured growth step.
	KindOutOfCapacity
	// KindInvalidOffset is returned when MapOffset or SetWatermark is
	// given an offset outside the region's live range.
	KindInvalidOffset
)

func (k Kind) String() string {
	switch k {
	case KindMapFailure:
		return "map_failure"
	case KindNameCollision:
		return "name_collision"
	case KindOutOfCapacity:
		return "out_of_capacity"
	case KindInvalidOffset:
		return "invalid_offset"
	default:
		return "unknown"
	}
}

// Error is the distinct arena-failure kind callers can switch on:
// out-of-capacity after growth, name collision with incompatible size,
// and OS mapping failure are all reported through this type.
type Error struct {
	Kind Kind
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("arena %s: %s: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("arena %s: %s", e.Kind, e.Name)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, name string, err error) *Error {
	return &Error{Kind: kind, Name: name, Err: err}
}
