// Package platform describes the fixed guest memory map and builds
// the device tree that advertises it. The layout mimics a small
// qemu-virt machine: RAM at 2G, the PLIC below it, and a row of
// virtio-mmio slots with one interrupt line each.
package platform

import (
	"errors"
	"fmt"

	"github.com/c35s/visor/bus"
	"github.com/c35s/visor/fdt"
	"github.com/c35s/visor/plic"
	"github.com/c35s/visor/virtio/mmio"
)

const (
	// RAMBase is the guest-physical address where RAM begins.
	RAMBase = 0x8000_0000

	// KernelOffset is where the kernel image lands, relative to
	// RAMBase.
	KernelOffset = 0x20_0000

	// PLICBase is the base of the interrupt controller's register
	// window.
	PLICBase = 0x0c00_0000
	PLICSize = plic.WindowSize

	// VirtioBase is the base of the first virtio-mmio slot. Slots are
	// SlotSize apart. Slot i maps interrupt line FirstVirtioIRQ + i.
	VirtioBase     = 0x1000_1000
	SlotSize       = 0x1000
	MaxVirtioSlots = 8
	FirstVirtioIRQ = 1
)

var (
	ErrBadSlot  = errors.New("platform: bad virtio slot")
	ErrMismatch = errors.New("platform: device tree and bus disagree")
)

// TreeConfig collects everything DeviceTree advertises to the guest.
type TreeConfig struct {

	// MemSize is the size of guest RAM in bytes.
	MemSize uint64

	// Bootargs is the kernel command line. If empty, the chosen node
	// has no bootargs property.
	Bootargs string

	// InitrdAddr and InitrdSize locate the initrd in guest memory. If
	// the size is zero, no initrd is advertised.
	InitrdAddr uint64
	InitrdSize uint64

	// Devices describes the installed virtio-mmio devices. Each must
	// sit in a valid slot.
	Devices []mmio.DeviceInfo
}

// VirtioSlot returns the MMIO window and interrupt line of slot i.
func VirtioSlot(i int) (r bus.Range, irq int, err error) {
	if i < 0 || i >= MaxVirtioSlots {
		return r, 0, fmt.Errorf("%w: index %d", ErrBadSlot, i)
	}

	r = bus.Range{
		Base: VirtioBase + uint64(i)*SlotSize,
		Size: SlotSize,
	}

	return r, FirstVirtioIRQ + i, nil
}

// slotIndex maps an advertised device back to its slot.
func slotIndex(d mmio.DeviceInfo) (int, error) {
	if d.Addr < VirtioBase || (d.Addr-VirtioBase)%SlotSize != 0 {
		return 0, fmt.Errorf("%w: %s at 0x%x", ErrBadSlot, d.Type, d.Addr)
	}

	i := int((d.Addr - VirtioBase) / SlotSize)
	if i >= MaxVirtioSlots {
		return 0, fmt.Errorf("%w: %s at 0x%x", ErrBadSlot, d.Type, d.Addr)
	}

	if d.Size != SlotSize {
		return 0, fmt.Errorf("%w: %s window is 0x%x bytes, want 0x%x",
			ErrBadSlot, d.Type, d.Size, SlotSize)
	}

	if want := FirstVirtioIRQ + i; d.IRQ != want {
		return 0, fmt.Errorf("%w: %s in slot %d has irq %d, want %d",
			ErrBadSlot, d.Type, i, d.IRQ, want)
	}

	return i, nil
}

// Verify checks that the advertised devices and the interrupt
// controller line up with the windows registered on the bus. The
// device tree hands these literal addresses to the guest, so any
// disagreement means trapped accesses would go unrouted.
func Verify(devs []mmio.DeviceInfo, windows []bus.Range) error {
	registered := make(map[bus.Range]bool, len(windows))
	for _, w := range windows {
		registered[w] = true
	}

	if !registered[bus.Range{Base: PLICBase, Size: PLICSize}] {
		return fmt.Errorf("%w: the plic window is not on the bus", ErrMismatch)
	}

	for _, d := range devs {
		if _, err := slotIndex(d); err != nil {
			return err
		}

		if !registered[bus.Range{Base: d.Addr, Size: d.Size}] {
			return fmt.Errorf("%w: %s at 0x%x is not on the bus", ErrMismatch, d.Type, d.Addr)
		}
	}

	return nil
}

// DeviceTree builds the tree a guest kernel needs to find its memory,
// CPU, interrupt controller, and virtio devices. Serialize it with
// fdt.Build.
func DeviceTree(cfg TreeConfig) (*fdt.Node, error) {
	if len(cfg.Devices) > MaxVirtioSlots {
		return nil, fmt.Errorf("%w: %d devices for %d slots",
			ErrBadSlot, len(cfg.Devices), MaxVirtioSlots)
	}

	chosen := &fdt.Node{Name: "chosen"}
	if cfg.Bootargs != "" {
		chosen.Props = append(chosen.Props, fdt.PropString("bootargs", cfg.Bootargs))
	}

	if cfg.InitrdSize != 0 {
		chosen.Props = append(chosen.Props,
			fdt.PropU64("linux,initrd-start", cfg.InitrdAddr),
			fdt.PropU64("linux,initrd-end", cfg.InitrdAddr+cfg.InitrdSize))
	}

	soc := &fdt.Node{
		Name: "soc",
		Props: []fdt.Prop{
			fdt.PropU32("#address-cells", 2),
			fdt.PropU32("#size-cells", 2),
			fdt.PropString("compatible", "simple-bus"),
			fdt.PropEmpty("ranges"),
		},

		Children: []*fdt.Node{
			{
				Name: fmt.Sprintf("plic@%x", uint64(PLICBase)),
				Props: []fdt.Prop{
					fdt.PropString("compatible", "sifive,plic-1.0.0"),
					fdt.PropU32("#interrupt-cells", 1),
					fdt.PropEmpty("interrupt-controller"),
					fdt.PropU32("reg", cells(PLICBase, PLICSize)...),
					fdt.PropU32("interrupts-extended",
						phandleCPUIntc, irqMachineExternal,
						phandleCPUIntc, irqSupervisorExternal),
					fdt.PropU32("riscv,ndev", plic.NumSources-1),
					fdt.PropU32("phandle", phandlePLIC),
				},
			},
		},
	}

	for _, d := range cfg.Devices {
		if _, err := slotIndex(d); err != nil {
			return nil, err
		}

		soc.Children = append(soc.Children, &fdt.Node{
			Name: fmt.Sprintf("virtio_mmio@%x", d.Addr),
			Props: []fdt.Prop{
				fdt.PropString("compatible", "virtio,mmio"),
				fdt.PropU32("reg", cells(d.Addr, d.Size)...),
				fdt.PropU32("interrupts", uint32(d.IRQ)),
				fdt.PropU32("interrupt-parent", phandlePLIC),
			},
		})
	}

	root := &fdt.Node{
		Props: []fdt.Prop{
			fdt.PropU32("#address-cells", 2),
			fdt.PropU32("#size-cells", 2),
			fdt.PropString("compatible", "riscv-virtio"),
			fdt.PropString("model", "riscv-virtio,visor"),
		},

		Children: []*fdt.Node{
			chosen,
			{
				Name: "cpus",
				Props: []fdt.Prop{
					fdt.PropU32("#address-cells", 1),
					fdt.PropU32("#size-cells", 0),
					fdt.PropU32("timebase-frequency", 10_000_000),
				},

				Children: []*fdt.Node{
					{
						Name: "cpu@0",
						Props: []fdt.Prop{
							fdt.PropString("device_type", "cpu"),
							fdt.PropU32("reg", 0),
							fdt.PropString("status", "okay"),
							fdt.PropString("compatible", "riscv"),
							fdt.PropString("riscv,isa", "rv64imafdc_zicsr_zifencei"),
							fdt.PropString("mmu-type", "riscv,sv48"),
						},

						Children: []*fdt.Node{
							{
								Name: "interrupt-controller",
								Props: []fdt.Prop{
									fdt.PropU32("#interrupt-cells", 1),
									fdt.PropEmpty("interrupt-controller"),
									fdt.PropString("compatible", "riscv,cpu-intc"),
									fdt.PropU32("phandle", phandleCPUIntc),
								},
							},
						},
					},
				},
			},
			{
				Name: fmt.Sprintf("memory@%x", uint64(RAMBase)),
				Props: []fdt.Prop{
					fdt.PropString("device_type", "memory"),
					fdt.PropU32("reg", cells(RAMBase, cfg.MemSize)...),
				},
			},
			soc,
		},
	}

	return root, nil
}

// phandles and RISC-V interrupt causes used in the tree
const (
	phandleCPUIntc = 1
	phandlePLIC    = 2

	irqSupervisorExternal = 9
	irqMachineExternal    = 11
)

// cells splits an address and size into 2-cell big-endian halves for
// a reg property.
func cells(addr, size uint64) []uint32 {
	return []uint32{
		uint32(addr >> 32), uint32(addr),
		uint32(size >> 32), uint32(size),
	}
}
