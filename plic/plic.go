// Package plic models the RISC-V platform-level interrupt controller
// as found on qemu-virt machines, scaled down to a single hart.
package plic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/visor/bus"
)

// Register blocks within the controller's MMIO window. Line priorities
// are 32-bit registers at PriorityBase + 4*line. Enable bits live at
// EnableBase + EnableStride*context. Each context's threshold and
// claim/complete registers are at ContextBase + ContextStride*context
// and 4 bytes beyond.
const (
	PriorityBase  = 0x000000
	PendingBase   = 0x001000
	EnableBase    = 0x002000
	ContextBase   = 0x200000
	EnableStride  = 0x80
	ContextStride = 0x1000
)

// WindowSize is the size of the controller's MMIO window.
const WindowSize = 0x400000

// NumSources is the number of interrupt lines the controller models.
// Line 0 is reserved, so usable lines are 1 through NumSources-1.
const NumSources = 32

// Interrupt contexts, in qemu-virt order: the hart's machine mode
// followed by its supervisor mode.
const (
	ContextMachine    = 0
	ContextSupervisor = 1
	numContexts       = 2
)

// maxPriority is the highest line priority the controller stores.
// Writes keep only the low bits, like the hardware.
const maxPriority = 7

// ErrBadLine is returned when an interrupt line is raised outside
// the controller's source range.
var ErrBadLine = errors.New("plic: interrupt line out of range")

// Controller latches interrupt lines raised by devices and arbitrates
// them per context. Devices call Raise. The guest programs priorities,
// enables, and thresholds and claims pending lines through Read and
// Write. The hypervisor polls Pending to decide when to assert the
// hart's external interrupt.
type Controller struct {
	mu        sync.Mutex
	priority  [NumSources]uint32
	pending   uint32
	enable    [numContexts]uint32
	threshold [numContexts]uint32
	claimed   [numContexts]uint32
}

// New returns a controller with all lines masked and at priority 0.
func New() *Controller {
	return new(Controller)
}

// Raise latches an interrupt line. Raising a line that is already
// pending is a no-op. It returns ErrBadLine if the line is reserved
// or out of range.
func (c *Controller) Raise(line int) error {
	if line <= 0 || line >= NumSources {
		return fmt.Errorf("%w: %d", ErrBadLine, line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending |= 1 << line
	return nil
}

// Pending reports whether the given context has at least one pending,
// enabled line with priority above its threshold.
func (c *Controller) Pending(context int) bool {
	if context < 0 || context >= numContexts {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for src := uint32(1); src < NumSources; src++ {
		if c.pending&(1<<src) == 0 || c.enable[context]&(1<<src) == 0 {
			continue
		}

		if c.priority[src] > c.threshold[context] {
			return true
		}
	}

	return false
}

// Read returns the 32-bit register at off. Reading a context's claim
// register claims the highest-priority pending enabled line and clears
// its pending bit. Offsets that don't decode to a register read as
// zero.
func (c *Controller) Read(off uint64, width int) (uint64, error) {
	if width != 4 {
		return 0, fmt.Errorf("%w: plic read of %d bytes at 0x%x", bus.ErrBadWidth, width, off)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case off < PendingBase:
		if src := off / 4; src < NumSources {
			return uint64(c.priority[src]), nil
		}

	case off < EnableBase:
		if off == PendingBase {
			return uint64(c.pending), nil
		}

	case off < ContextBase:
		ctx := (off - EnableBase) / EnableStride
		if word := (off - EnableBase) % EnableStride; ctx < numContexts && word == 0 {
			return uint64(c.enable[ctx]), nil
		}

	default:
		ctx := (off - ContextBase) / ContextStride
		if ctx < numContexts {
			switch (off - ContextBase) % ContextStride {
			case 0:
				return uint64(c.threshold[ctx]), nil
			case 4:
				return uint64(c.claim(int(ctx))), nil
			}
		}
	}

	return 0, nil
}

// Write stores v to the 32-bit register at off. Writing a context's
// claim register completes the given line. Writes to the pending bits,
// to the reserved line 0 priority, or to offsets that don't decode to
// a register are ignored.
func (c *Controller) Write(off uint64, width int, v uint64) error {
	if width != 4 {
		return fmt.Errorf("%w: plic write of %d bytes at 0x%x", bus.ErrBadWidth, width, off)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case off < PendingBase:
		if src := off / 4; src > 0 && src < NumSources {
			c.priority[src] = uint32(v) & maxPriority
		}

	case off < EnableBase:
		// pending bits are read-only

	case off < ContextBase:
		ctx := (off - EnableBase) / EnableStride
		if word := (off - EnableBase) % EnableStride; ctx < numContexts && word == 0 {
			c.enable[ctx] = uint32(v)
		}

	default:
		ctx := (off - ContextBase) / ContextStride
		if ctx < numContexts {
			switch (off - ContextBase) % ContextStride {
			case 0:
				c.threshold[ctx] = uint32(v) & maxPriority
			case 4:
				c.complete(int(ctx), uint32(v))
			}
		}
	}

	return nil
}

// claim picks the highest-priority pending enabled line above the
// context's threshold, clears its pending bit, and records it as
// claimed. Ties go to the lowest-numbered line. It returns 0 when
// nothing is claimable.
func (c *Controller) claim(ctx int) uint32 {
	var best, bestPri uint32
	for src := uint32(1); src < NumSources; src++ {
		if c.pending&(1<<src) == 0 || c.enable[ctx]&(1<<src) == 0 {
			continue
		}

		if pri := c.priority[src]; pri > c.threshold[ctx] && pri > bestPri {
			best, bestPri = src, pri
		}
	}

	if best != 0 {
		c.pending &^= 1 << best
		c.claimed[ctx] = best
	}

	return best
}

// complete clears a context's claim. Completing a line that isn't
// claimed is ignored.
func (c *Controller) complete(ctx int, src uint32) {
	if src == 0 || src >= NumSources {
		return
	}

	if c.claimed[ctx] == src {
		c.claimed[ctx] = 0
	}
}
