// Package guest provides bounds-checked access to guest physical memory.
package guest

import (
	"errors"
	"fmt"
)

// PageSize is the guest page granularity. Guest memory sizes and
// loader placements are multiples of it.
const PageSize = 0x1000

var (
	ErrOutOfBounds = errors.New("guest: memory access out of bounds")
	ErrAlloc       = errors.New("guest: memory allocation failed")
)

// Mem is a flat view of guest physical memory starting at a base
// address. Every access is checked against [base, base+size): an
// access outside the view fails with an error wrapping ErrOutOfBounds
// and touches no memory.
type Mem struct {
	base   uint64
	buf    []byte
	mapped bool
}

// NewMem wraps buf as guest memory based at base.
// The view aliases buf: writes through either are visible to both.
func NewMem(base uint64, buf []byte) *Mem {
	return &Mem{base: base, buf: buf}
}

// Base returns the lowest guest physical address of the view.
func (m *Mem) Base() uint64 {
	return m.base
}

// Size returns the size of the view in bytes.
func (m *Mem) Size() int {
	return len(m.buf)
}

// Slice returns the bytes at guest physical [addr, addr+size).
// The returned slice aliases guest memory.
func (m *Mem) Slice(addr uint64, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d at %#x", ErrOutOfBounds, size, addr)
	}

	off := addr - m.base
	if addr < m.base || off > uint64(len(m.buf)) || uint64(size) > uint64(len(m.buf))-off {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrOutOfBounds, addr, size)
	}

	return m.buf[off : off+uint64(size) : off+uint64(size)], nil
}

// ReadAt copies guest memory at guest physical address addr into p.
func (m *Mem) ReadAt(p []byte, addr int64) (n int, err error) {
	s, err := m.Slice(uint64(addr), len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, s), nil
}

// WriteAt copies p into guest memory at guest physical address addr.
func (m *Mem) WriteAt(p []byte, addr int64) (n int, err error) {
	s, err := m.Slice(uint64(addr), len(p))
	if err != nil {
		return 0, err
	}

	return copy(s, p), nil
}

// Free releases memory obtained from Alloc. It is a no-op for views
// created with NewMem. The view is unusable afterward.
func (m *Mem) Free() error {
	return m.free()
}
