// Package vmm assembles the device side of a virtual machine: guest
// memory, the MMIO dispatch table, the interrupt controller, and the
// machine's virtio devices. The virtual-CPU loop lives elsewhere and
// drives a VM through MMIOLoad, MMIOStore, and IRQPending.
package vmm

import (
	"errors"
	"fmt"

	"github.com/c35s/visor/boot"
	"github.com/c35s/visor/bus"
	"github.com/c35s/visor/guest"
	"github.com/c35s/visor/platform"
	"github.com/c35s/visor/plic"
	"github.com/c35s/visor/virtio"
	"github.com/c35s/visor/virtio/mmio"
)

// Config describes a new VM.
type Config struct {

	// MemSize is the size of the VM's RAM in bytes. It must be a
	// multiple of the guest page size. If MemSize is 0, the VM has
	// 128M of RAM.
	MemSize int

	// Devices configures the VM's virtio-mmio devices, in slot order.
	Devices []virtio.DeviceConfig

	// Loader, if set, places a kernel and its boot material in the
	// VM's memory during New.
	Loader *boot.Loader
}

// VMInfo describes a configured VM.
type VMInfo struct {

	// MemSize is the size of the VM's RAM in bytes.
	MemSize int

	// NumCPU is the number of harts attached to the VM.
	// Right now it's always 1.
	NumCPU int

	// Devices enumerates the VM's virtio-mmio devices.
	Devices []mmio.DeviceInfo

	// Boot reports where the loader put things. It is nil if the VM
	// was configured without a loader.
	Boot *boot.Info
}

// VM is the device side of a configured virtual machine.
type VM struct {
	mem  *guest.Mem
	bus  *bus.Dispatcher
	plic *plic.Controller
	devs []mmio.DeviceInfo
	boot *boot.Info
}

const (
	MemSizeMin     = 1 << 20   // 1M
	MemSizeDefault = 128 << 20 // 128M
	MemSizeMax     = 1 << 40   // 1T
)

var (
	ErrConfig      = errors.New("vmm: invalid config")
	ErrAllocMemory = errors.New("vmm: memory allocation failed")
	ErrSetupDevice = errors.New("vmm: device setup failed")
	ErrLoad        = errors.New("vmm: boot load failed")
)

// New creates a new VM.
func New(cfg Config) (m *VM, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	mem, err := guest.Alloc(platform.RAMBase, cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	defer func() {
		if err != nil {
			mem.Free()
		}
	}()

	m = &VM{
		mem:  mem,
		plic: plic.New(),
	}

	// devices raise interrupts through the dispatcher into the PLIC
	m.bus = bus.New(m.plic)

	err = m.bus.Register(bus.Range{Base: platform.PLICBase, Size: platform.PLICSize}, m.plic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	for i, dc := range cfg.Devices {
		r, irq, err := platform.VirtioSlot(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}

		h, err := dc.NewHandler()
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %w", ErrSetupDevice, i, err)
		}

		dev := mmio.NewDevice(h, m.mem.Slice, func() error {
			return m.bus.InjectIRQ(irq)
		})

		if err := m.bus.Register(r, dev); err != nil {
			return nil, fmt.Errorf("%w: slot %d: %w", ErrSetupDevice, i, err)
		}

		m.devs = append(m.devs, mmio.DeviceInfo{
			Type: h.GetType(),
			IRQ:  irq,
			Addr: r.Base,
			Size: r.Size,
		})
	}

	// the dispatch table and the advertised platform must agree
	if err := platform.Verify(m.devs, m.bus.Windows()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if cfg.Loader != nil {
		info, err := cfg.Loader.Load(m.mem, m.devs)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoad, err)
		}

		m.boot = info
	}

	return m, nil
}

// MMIOLoad emulates a trapped guest load of width bytes at guest
// physical address addr. Errors are fatal: the address is unmapped,
// the width is impossible, or device emulation hit a guest memory or
// descriptor-chain violation.
func (m *VM) MMIOLoad(addr uint64, width int) (uint64, error) {
	return m.bus.Read(addr, width)
}

// MMIOStore emulates a trapped guest store of width bytes at guest
// physical address addr. Device work triggered by the store, such as
// draining a notified virtqueue, finishes before MMIOStore returns.
func (m *VM) MMIOStore(addr uint64, width int, v uint64) error {
	return m.bus.Write(addr, width, v)
}

// IRQPending reports whether the PLIC would assert the external
// interrupt for the given hart context. The virtual-CPU loop polls it
// before resuming the guest.
func (m *VM) IRQPending(context int) bool {
	return m.plic.Pending(context)
}

// Mem returns the VM's RAM.
func (m *VM) Mem() *guest.Mem {
	return m.mem
}

// Info describes the VM.
func (m *VM) Info() VMInfo {
	return VMInfo{
		MemSize: m.mem.Size(),
		NumCPU:  1,
		Devices: append([]mmio.DeviceInfo(nil), m.devs...),
		Boot:    m.boot,
	}
}

// Close releases the VM's memory. The VM is unusable afterward.
func (m *VM) Close() error {
	err := m.mem.Free()
	m.mem = nil
	return err
}

func (cfg Config) validate() error {
	if cfg.MemSize%guest.PageSize != 0 {
		return fmt.Errorf("memory size must be a multiple of the guest page size (%d)", guest.PageSize)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if n := len(cfg.Devices); n > platform.MaxVirtioSlots {
		return fmt.Errorf("too many devices: %d > %d", n, platform.MaxVirtioSlots)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	return cfg
}
