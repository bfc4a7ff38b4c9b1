// Package boot loads a RISC-V Linux kernel, its initrd, and the
// platform device tree into guest memory.
package boot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/c35s/visor/fdt"
	"github.com/c35s/visor/guest"
	"github.com/c35s/visor/platform"
	"github.com/c35s/visor/virtio/mmio"
	"github.com/cavaliergopher/cpio"
)

// ErrTooSmall is returned when guest memory can't hold the kernel and
// its boot material.
var ErrTooSmall = errors.New("boot: guest memory is too small")

// Loader places a kernel and its boot material in guest memory.
type Loader struct {

	// Kernel is a flat riscv Image, optionally gzip-compressed.
	Kernel io.Reader

	// Initrd, if set, is a compressed cpio of the initial ramdisk.
	Initrd io.Reader

	// Cmdline is the kernel command line.
	Cmdline string
}

// Info reports where the loader put things. The boot hart should
// enter the kernel at Entry with a0 = 0 and a1 = DTBAddr, per the
// riscv Linux boot protocol.
type Info struct {
	Entry      uint64
	KernelAddr uint64
	DTBAddr    uint64
	InitrdAddr uint64
	InitrdSize uint64
}

var le = binary.LittleEndian

// riscv Image header fields, per Documentation/riscv/boot-image-header.rst
const (
	imageHeaderBytes   = 64
	imageMagic2        = 0x05435352 // "RSC\x05" at offset 0x38
	imageMagic2Off     = 56
	imageTextOffsetOff = 8
)

// Load reads the kernel and initrd, builds the device tree, and
// writes all three into mem. The kernel lands at its Image header's
// text offset, or at platform.KernelOffset for a headerless flat
// binary. The initrd sits at the top of memory, page-aligned, with
// the device tree just below it.
func (l *Loader) Load(mem *guest.Mem, devices []mmio.DeviceInfo) (*Info, error) {
	if l.Kernel == nil {
		return nil, errors.New("boot: no kernel")
	}

	if mem.Base() != platform.RAMBase {
		return nil, fmt.Errorf("boot: guest memory is based at 0x%x, want 0x%x",
			mem.Base(), uint64(platform.RAMBase))
	}

	kernel, err := readImage(l.Kernel)
	if err != nil {
		return nil, fmt.Errorf("read kernel: %w", err)
	}

	off := uint64(platform.KernelOffset)
	if t, ok := textOffset(kernel); ok {
		off = t
	}

	var (
		kernelAddr = mem.Base() + off
		kernelEnd  = kernelAddr + uint64(len(kernel))
		top        = mem.Base() + uint64(mem.Size())
	)

	if kernelEnd > top {
		return nil, fmt.Errorf("%w: the kernel ends at 0x%x", ErrTooSmall, kernelEnd)
	}

	var initrd []byte
	if l.Initrd != nil {
		if initrd, err = io.ReadAll(l.Initrd); err != nil {
			return nil, fmt.Errorf("read initrd: %w", err)
		}

		if uint64(len(initrd)) > uint64(mem.Size()) {
			return nil, fmt.Errorf("%w: the initrd is 0x%x bytes", ErrTooSmall, len(initrd))
		}
	}

	initrdAddr := top
	if len(initrd) > 0 {
		initrdAddr = top - uint64(len(initrd))
		initrdAddr -= initrdAddr % guest.PageSize
	}

	tree, err := platform.DeviceTree(platform.TreeConfig{
		MemSize:    uint64(mem.Size()),
		Bootargs:   l.Cmdline,
		InitrdAddr: initrdAddr,
		InitrdSize: uint64(len(initrd)),
		Devices:    devices,
	})

	if err != nil {
		return nil, err
	}

	blob, err := fdt.Build(tree)
	if err != nil {
		return nil, err
	}

	dtbAddr := (initrdAddr - uint64(len(blob))) &^ 7

	if dtbAddr < kernelEnd {
		return nil, fmt.Errorf("%w: the device tree overlaps the kernel", ErrTooSmall)
	}

	if _, err := mem.WriteAt(kernel, int64(kernelAddr)); err != nil {
		return nil, fmt.Errorf("load kernel: %w", err)
	}

	if _, err := mem.WriteAt(blob, int64(dtbAddr)); err != nil {
		return nil, fmt.Errorf("load device tree: %w", err)
	}

	info := &Info{
		Entry:      kernelAddr,
		KernelAddr: kernelAddr,
		DTBAddr:    dtbAddr,
	}

	if len(initrd) > 0 {
		if _, err := mem.WriteAt(initrd, int64(initrdAddr)); err != nil {
			return nil, fmt.Errorf("load initrd: %w", err)
		}

		info.InitrdAddr = initrdAddr
		info.InitrdSize = uint64(len(initrd))
	}

	return info, nil
}

// readImage reads a kernel image, transparently decompressing gzip.
func readImage(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}

		defer zr.Close()
		return io.ReadAll(zr)
	}

	return b, nil
}

// textOffset returns the Image header's load offset, relative to the
// base of RAM, if kernel begins with a riscv Image header.
func textOffset(kernel []byte) (uint64, bool) {
	if len(kernel) < imageHeaderBytes || le.Uint32(kernel[imageMagic2Off:]) != imageMagic2 {
		return 0, false
	}

	return le.Uint64(kernel[imageTextOffsetOff:]), true
}

// BuildInitrd writes the files under root to w as a gzip-compressed
// cpio archive, the format the kernel unpacks into its initial root
// filesystem.
func BuildInitrd(w io.Writer, root fs.FS) error {
	zw := gzip.NewWriter(w)
	cw := cpio.NewWriter(zw)

	err := fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr := &cpio.Header{
			Name: path,
			Mode: cpio.FileMode(info.Mode().Perm()),
		}

		switch {
		case d.IsDir():
			hdr.Mode |= cpio.TypeDir

		default:
			hdr.Mode |= cpio.TypeReg
			hdr.Size = info.Size()
		}

		if err := cw.WriteHeader(hdr); err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		f, err := root.Open(path)
		if err != nil {
			return err
		}

		defer f.Close()

		_, err = io.Copy(cw, f)
		return err
	})

	if err != nil {
		return err
	}

	if err := cw.Close(); err != nil {
		return err
	}

	return zw.Close()
}
