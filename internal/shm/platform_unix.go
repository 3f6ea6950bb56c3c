//go:build unix

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// platformState carries no extra fields on unix; the fd on MappedRegion
// is sufficient to grow or unmap the region.
type platformState struct{}

// shmDir returns the directory backing named shared-memory objects,
// preferring /dev/shm and falling back to the OS temp directory when it
// is not mounted (containers without a shm mount, some CI sandboxes).
func shmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func regionPath(name string) string {
	return filepath.Join(shmDir(), name)
}

// Map creates or opens a named shared-memory region and mmaps it.
func Map(opts MapOptions) (*MappedRegion, error) {
	path := regionPath(opts.Name)

	flags := unix.O_RDWR
	if opts.Create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	size := opts.Size
	if opts.Create || opts.Truncate {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err == nil && st.Size > 0 && !opts.Truncate {
			// Existing object: keep its current size; a non-zero
			// requested size that differs from it is a mismatch.
			if int(st.Size) != opts.Size && opts.Size != 0 {
				_ = unix.Close(fd)
				return nil, ErrSizeMismatch
			}
			size = int(st.Size)
		}
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("shm: ftruncate %s: %w", path, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("shm: fstat %s: %w", path, err)
		}
		size = int(st.Size)
	}

	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &MappedRegion{
		Addr: addr,
		Name: opts.Name,
		Path: path,
		fd:   fd,
	}, nil
}

// Grow extends the backing object to newSize and remaps it. The
// returned region's Addr may point at a different address; callers
// must resolve all future accesses through offsets, never through
// retained slices of the old Addr.
func Grow(r *MappedRegion, newSize int) error {
	if newSize <= len(r.Addr) {
		return nil
	}
	if err := unix.Ftruncate(r.fd, int64(newSize)); err != nil {
		return fmt.Errorf("shm: ftruncate grow %s: %w", r.Path, err)
	}
	if err := unix.Munmap(r.Addr); err != nil {
		return fmt.Errorf("shm: munmap during grow %s: %w", r.Path, err)
	}
	addr, err := unix.Mmap(r.fd, 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: remap during grow %s: %w", r.Path, err)
	}
	r.Addr = addr
	return nil
}

// Unmap unmaps the region and closes its file descriptor. If remove is
// true, the backing object is also unlinked (instance teardown, not
// supervisor restart, which reuses the same backing object).
func Unmap(r *MappedRegion, remove bool) error {
	if r == nil || r.Addr == nil {
		return nil
	}
	err := unix.Munmap(r.Addr)
	r.Addr = nil
	if cerr := unix.Close(r.fd); cerr != nil && err == nil {
		err = cerr
	}
	if remove {
		if rerr := os.Remove(r.Path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}
