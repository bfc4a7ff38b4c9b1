//go:build linux

package guest

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Alloc maps an anonymous private region of the given size and wraps
// it as guest memory based at base. The region is not reserved: pages
// are committed as the guest touches them. Call Free to unmap it.
func Alloc(base uint64, size int) (*Mem, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	return &Mem{base: base, buf: buf, mapped: true}, nil
}

func (m *Mem) free() error {
	if m.buf == nil {
		return nil
	}

	buf := m.buf
	m.buf = nil

	if !m.mapped {
		return nil
	}

	return unix.Munmap(buf)
}
