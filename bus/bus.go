// Package bus routes trapped guest MMIO accesses to device emulation.
package bus

import (
	"errors"
	"fmt"
	"sort"
)

// Handler emulates the registers of one device. Offsets are relative
// to the base of the device's window. The width is 1, 2, 4, or 8
// bytes; a handler may reject widths its registers don't support.
type Handler interface {
	Read(off uint64, width int) (uint64, error)
	Write(off uint64, width int, v uint64) error
}

// Sink receives device interrupts raised through the dispatcher.
type Sink interface {
	Raise(line int) error
}

// Range is a half-open window [Base, Base+Size) of guest physical
// address space owned by one device.
type Range struct {
	Base uint64
	Size uint64
}

// Dispatcher routes guest loads and stores to registered device
// windows and forwards device interrupts to the platform interrupt
// controller. Windows never overlap: the invariant is checked when a
// window is registered, so lookups can binary-search the table.
type Dispatcher struct {
	slots []slot
	sink  Sink
}

type slot struct {
	r Range
	h Handler
}

var (
	ErrUnmapped  = errors.New("bus: unmapped mmio access")
	ErrBadWidth  = errors.New("bus: invalid access width")
	ErrBadWindow = errors.New("bus: invalid device window")
	ErrOverlap   = errors.New("bus: device windows overlap")
)

// New returns an empty dispatcher. Device interrupts are forwarded to
// sink. If sink is nil, InjectIRQ is a no-op.
func New(sink Sink) *Dispatcher {
	return &Dispatcher{sink: sink}
}

// Register adds a device window to the routing table. It fails if the
// window is empty, wraps around the top of the address space, or
// overlaps a window registered earlier.
func (d *Dispatcher) Register(r Range, h Handler) error {
	if r.Size == 0 {
		return fmt.Errorf("%w: empty window at %#x", ErrBadWindow, r.Base)
	}

	if r.Base+r.Size < r.Base {
		return fmt.Errorf("%w: %#x+%#x wraps", ErrBadWindow, r.Base, r.Size)
	}

	if h == nil {
		return fmt.Errorf("%w: nil handler at %#x", ErrBadWindow, r.Base)
	}

	i := sort.Search(len(d.slots), func(i int) bool {
		return r.Base < d.slots[i].r.Base
	})

	if i > 0 {
		if p := d.slots[i-1].r; p.Base+p.Size > r.Base {
			return fmt.Errorf("%w: %#x+%#x and %#x+%#x", ErrOverlap, p.Base, p.Size, r.Base, r.Size)
		}
	}

	if i < len(d.slots) {
		if n := d.slots[i].r; r.Base+r.Size > n.Base {
			return fmt.Errorf("%w: %#x+%#x and %#x+%#x", ErrOverlap, r.Base, r.Size, n.Base, n.Size)
		}
	}

	d.slots = append(d.slots, slot{})
	copy(d.slots[i+1:], d.slots[i:])
	d.slots[i] = slot{r: r, h: h}

	return nil
}

// Read services a trapped guest load of width bytes at addr and
// returns the value the guest should observe.
func (d *Dispatcher) Read(addr uint64, width int) (uint64, error) {
	s, err := d.route(addr, width)
	if err != nil {
		return 0, err
	}

	return s.h.Read(addr-s.r.Base, width)
}

// Write services a trapped guest store of width bytes at addr.
func (d *Dispatcher) Write(addr uint64, width int, v uint64) error {
	s, err := d.route(addr, width)
	if err != nil {
		return err
	}

	return s.h.Write(addr-s.r.Base, width, v)
}

// InjectIRQ posts a device interrupt to the platform interrupt
// controller. Device backends call it after publishing completed work.
func (d *Dispatcher) InjectIRQ(line int) error {
	if d.sink == nil {
		return nil
	}

	return d.sink.Raise(line)
}

// Windows returns the registered device windows in address order.
func (d *Dispatcher) Windows() []Range {
	ww := make([]Range, len(d.slots))
	for i, s := range d.slots {
		ww[i] = s.r
	}

	return ww
}

func (d *Dispatcher) route(addr uint64, width int) (*slot, error) {
	switch width {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("%w: %d bytes at %#x", ErrBadWidth, width, addr)
	}

	i := sort.Search(len(d.slots), func(i int) bool {
		return addr < d.slots[i].r.Base+d.slots[i].r.Size
	})

	if i == len(d.slots) || addr < d.slots[i].r.Base {
		return nil, fmt.Errorf("%w: %d bytes at %#x", ErrUnmapped, width, addr)
	}

	if r := d.slots[i].r; uint64(width) > r.Size-(addr-r.Base) {
		return nil, fmt.Errorf("%w: %d bytes at %#x cross the window at %#x+%#x",
			ErrUnmapped, width, addr, r.Base, r.Size)
	}

	return &d.slots[i], nil
}
