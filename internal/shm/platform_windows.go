//go:build windows

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// platformState carries the Windows file-mapping handle; MappedRegion.fd
// is unused on this platform.
type platformState struct {
	mapping windows.Handle
}

// Map creates or opens a named file mapping and views it into the
// process address space.
func Map(opts MapOptions) (*MappedRegion, error) {
	name, err := windows.UTF16PtrFromString(`Local\` + opts.Name)
	if err != nil {
		return nil, fmt.Errorf("shm: encode name: %w", err)
	}

	sizeHigh := uint32(uint64(opts.Size) >> 32)
	sizeLow := uint32(uint64(opts.Size) & 0xffffffff)

	var handle windows.Handle
	if opts.Create {
		handle, err = windows.CreateFileMapping(windows.InvalidHandle, nil,
			windows.PAGE_READWRITE, sizeHigh, sizeLow, name)
	} else {
		handle, err = windows.OpenFileMapping(windows.FILE_MAP_ALL_ACCESS, false, name)
	}
	if err != nil {
		return nil, fmt.Errorf("shm: create/open file mapping %s: %w", opts.Name, err)
	}

	addrPtr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_ALL_ACCESS, 0, 0, uintptr(opts.Size))
	if err != nil {
		_ = windows.CloseHandle(handle)
		return nil, fmt.Errorf("shm: map view of file %s: %w", opts.Name, err)
	}

	addr := unsafe.Slice((*byte)(unsafe.Pointer(addrPtr)), opts.Size)
	return &MappedRegion{
		Addr:     addr,
		Name:     opts.Name,
		Path:     opts.Name,
		platform: platformState{mapping: handle},
	}, nil
}

// Grow is unsupported on Windows: file mappings are fixed-size for the
// lifetime of the handle. Callers must create a new, larger mapping and
// migrate live data; instance-shm's arena reports this as a map
// failure (arena.KindMapFailure) on this platform.
func Grow(r *MappedRegion, newSize int) error {
	return fmt.Errorf("shm: %w: growing a Windows file mapping in place", ErrUnsupported)
}

// Unmap unviews the mapping and closes its handle.
func Unmap(r *MappedRegion, remove bool) error {
	if r == nil || r.Addr == nil {
		return nil
	}
	addrPtr := uintptr(unsafe.Pointer(&r.Addr[0]))
	err := windows.UnmapViewOfFile(addrPtr)
	r.Addr = nil
	if cerr := windows.CloseHandle(r.platform.mapping); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
