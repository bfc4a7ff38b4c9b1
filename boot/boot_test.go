package boot_test

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/fstest"

	"github.com/c35s/visor/boot"
	"github.com/c35s/visor/fdt"
	"github.com/c35s/visor/guest"
	"github.com/c35s/visor/platform"
	"github.com/cavaliergopher/cpio"
	"github.com/google/go-cmp/cmp"
)

var (
	le = binary.LittleEndian
	be = binary.BigEndian
)

func TestLoad(t *testing.T) {
	t.Run("flat binary lands at the default offset", func(t *testing.T) {
		mem := newMem(t, 16<<20)
		kernel := pattern(0x1000)

		info, err := (&boot.Loader{Kernel: bytes.NewReader(kernel)}).Load(mem, nil)
		if err != nil {
			t.Fatalf("load: %v", err)
		}

		want := uint64(platform.RAMBase + platform.KernelOffset)
		if info.KernelAddr != want {
			t.Errorf("kernel addr is 0x%x, want 0x%x", info.KernelAddr, want)
		}

		if info.Entry != info.KernelAddr {
			t.Errorf("entry is 0x%x, want the kernel addr 0x%x", info.Entry, info.KernelAddr)
		}

		if diff := cmp.Diff(kernel, readback(t, mem, info.KernelAddr, len(kernel))); diff != "" {
			t.Errorf("kernel differs after loading:\n%s", diff)
		}

		if info.InitrdAddr != 0 || info.InitrdSize != 0 {
			t.Errorf("unexpected initrd at 0x%x size 0x%x", info.InitrdAddr, info.InitrdSize)
		}

		checkDTB(t, mem, info)
	})

	t.Run("image header sets the text offset", func(t *testing.T) {
		mem := newMem(t, 16<<20)
		kernel := image(0x40_0000, pattern(0x1000))

		info, err := (&boot.Loader{Kernel: bytes.NewReader(kernel)}).Load(mem, nil)
		if err != nil {
			t.Fatalf("load: %v", err)
		}

		want := uint64(platform.RAMBase) + 0x40_0000
		if info.KernelAddr != want {
			t.Errorf("kernel addr is 0x%x, want 0x%x", info.KernelAddr, want)
		}

		if diff := cmp.Diff(kernel, readback(t, mem, info.KernelAddr, len(kernel))); diff != "" {
			t.Errorf("kernel differs after loading:\n%s", diff)
		}
	})

	t.Run("gzipped kernel is decompressed", func(t *testing.T) {
		mem := newMem(t, 16<<20)
		kernel := image(0x40_0000, pattern(0x1000))

		var z bytes.Buffer
		zw := gzip.NewWriter(&z)
		if _, err := zw.Write(kernel); err != nil {
			t.Fatal(err)
		}

		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}

		info, err := (&boot.Loader{Kernel: &z}).Load(mem, nil)
		if err != nil {
			t.Fatalf("load: %v", err)
		}

		want := uint64(platform.RAMBase) + 0x40_0000
		if info.KernelAddr != want {
			t.Errorf("kernel addr is 0x%x, want 0x%x", info.KernelAddr, want)
		}

		if diff := cmp.Diff(kernel, readback(t, mem, info.KernelAddr, len(kernel))); diff != "" {
			t.Errorf("kernel differs after loading:\n%s", diff)
		}
	})

	t.Run("initrd sits page-aligned at the top of memory", func(t *testing.T) {
		mem := newMem(t, 16<<20)
		initrd := pattern(8<<10 + 3)

		info, err := (&boot.Loader{
			Kernel: bytes.NewReader(pattern(0x1000)),
			Initrd: bytes.NewReader(initrd),
		}).Load(mem, nil)

		if err != nil {
			t.Fatalf("load: %v", err)
		}

		if info.InitrdSize != uint64(len(initrd)) {
			t.Errorf("initrd size is 0x%x, want 0x%x", info.InitrdSize, len(initrd))
		}

		if info.InitrdAddr%guest.PageSize != 0 {
			t.Errorf("initrd addr 0x%x is not page-aligned", info.InitrdAddr)
		}

		top := mem.Base() + uint64(mem.Size())
		if end := info.InitrdAddr + info.InitrdSize; end > top {
			t.Errorf("initrd ends at 0x%x, past the top of memory 0x%x", end, top)
		}

		if diff := cmp.Diff(initrd, readback(t, mem, info.InitrdAddr, len(initrd))); diff != "" {
			t.Errorf("initrd differs after loading:\n%s", diff)
		}

		checkDTB(t, mem, info)
	})
}

func TestLoadErrors(t *testing.T) {
	t.Run("no kernel", func(t *testing.T) {
		if _, err := new(boot.Loader).Load(newMem(t, 1<<20), nil); err == nil {
			t.Error("load doesn't fail")
		}
	})

	t.Run("memory based off-platform", func(t *testing.T) {
		mem := guest.NewMem(0x1000, make([]byte, 1<<20))
		l := boot.Loader{Kernel: bytes.NewReader(pattern(0x100))}
		if _, err := l.Load(mem, nil); err == nil {
			t.Error("load doesn't fail")
		}
	})

	t.Run("kernel too big", func(t *testing.T) {
		l := boot.Loader{Kernel: bytes.NewReader(pattern(3 << 20))}
		_, err := l.Load(newMem(t, 4<<20), nil)
		if !errors.Is(err, boot.ErrTooSmall) {
			t.Errorf("err is %v, want %v", err, boot.ErrTooSmall)
		}
	})

	t.Run("initrd too big", func(t *testing.T) {
		l := boot.Loader{
			Kernel: bytes.NewReader(pattern(0x1000)),
			Initrd: bytes.NewReader(pattern(5 << 20)),
		}

		_, err := l.Load(newMem(t, 4<<20), nil)
		if !errors.Is(err, boot.ErrTooSmall) {
			t.Errorf("err is %v, want %v", err, boot.ErrTooSmall)
		}
	})

	t.Run("corrupt gzip", func(t *testing.T) {
		l := boot.Loader{Kernel: bytes.NewReader([]byte{0x1f, 0x8b, 0xff, 0xff})}
		if _, err := l.Load(newMem(t, 1<<20), nil); err == nil {
			t.Error("load doesn't fail")
		}
	})
}

func TestBuildInitrd(t *testing.T) {
	root := fstest.MapFS{
		"init":     &fstest.MapFile{Data: []byte("#!/bin/sh\n"), Mode: 0755},
		"etc/motd": &fstest.MapFile{Data: []byte("hello\n"), Mode: 0644},
	}

	var buf bytes.Buffer
	if err := boot.BuildInitrd(&buf, root); err != nil {
		t.Fatalf("build: %v", err)
	}

	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("the archive is not gzip-compressed: %v", err)
	}

	type entry struct {
		mode cpio.FileMode
		data []byte
	}

	entries := make(map[string]entry)
	cr := cpio.NewReader(zr)

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			t.Fatalf("read: %v", err)
		}

		data, err := io.ReadAll(cr)
		if err != nil {
			t.Fatalf("read %s: %v", hdr.Name, err)
		}

		entries[hdr.Name] = entry{mode: hdr.Mode, data: data}
	}

	t.Run("directories are archived", func(t *testing.T) {
		e, ok := entries["etc"]
		if !ok {
			t.Fatal("etc is missing")
		}

		if e.mode&cpio.TypeDir == 0 {
			t.Errorf("etc mode %o is not a directory", e.mode)
		}
	})

	t.Run("files keep their content and permissions", func(t *testing.T) {
		e, ok := entries["init"]
		if !ok {
			t.Fatal("init is missing")
		}

		if e.mode&cpio.TypeDir != 0 {
			t.Errorf("init mode %o is a directory", e.mode)
		}

		if perm := e.mode & 0777; perm != 0755 {
			t.Errorf("init mode is %o, want %o", perm, 0755)
		}

		if diff := cmp.Diff([]byte("#!/bin/sh\n"), e.data); diff != "" {
			t.Errorf("init content differs:\n%s", diff)
		}

		if diff := cmp.Diff([]byte("hello\n"), entries["etc/motd"].data); diff != "" {
			t.Errorf("etc/motd content differs:\n%s", diff)
		}
	})
}

// newMem allocates a guest memory view based at the platform RAM base.
func newMem(t *testing.T, size int) *guest.Mem {
	t.Helper()
	return guest.NewMem(platform.RAMBase, make([]byte, size))
}

// readback copies size bytes of guest memory at addr.
func readback(t *testing.T, mem *guest.Mem, addr uint64, size int) []byte {
	t.Helper()

	b := make([]byte, size)
	if _, err := mem.ReadAt(b, int64(addr)); err != nil {
		t.Fatalf("reading 0x%x bytes at 0x%x: %v", size, addr, err)
	}

	return b
}

// checkDTB verifies that a well-formed device tree blob sits at
// info.DTBAddr, below the initrd if there is one.
func checkDTB(t *testing.T, mem *guest.Mem, info *boot.Info) {
	t.Helper()

	if info.DTBAddr%8 != 0 {
		t.Errorf("dtb addr 0x%x is not 8-byte aligned", info.DTBAddr)
	}

	hdr := readback(t, mem, info.DTBAddr, 8)
	if magic := be.Uint32(hdr); magic != fdt.Magic {
		t.Fatalf("dtb magic is 0x%x, want 0x%x", magic, uint32(fdt.Magic))
	}

	end := info.DTBAddr + uint64(be.Uint32(hdr[4:]))
	limit := mem.Base() + uint64(mem.Size())
	if info.InitrdAddr != 0 {
		limit = info.InitrdAddr
	}

	if end > limit {
		t.Errorf("dtb ends at 0x%x, past 0x%x", end, limit)
	}

	if info.DTBAddr < info.KernelAddr {
		t.Errorf("dtb at 0x%x sits below the kernel at 0x%x", info.DTBAddr, info.KernelAddr)
	}
}

// image wraps payload in a riscv Image header with the given text
// offset, per Documentation/riscv/boot-image-header.rst.
func image(textOff uint64, payload []byte) []byte {
	hdr := make([]byte, 64)
	copy(hdr, []byte{0x6f, 0x00, 0x40, 0x00}) // j 0x40
	le.PutUint64(hdr[8:], textOff)
	le.PutUint64(hdr[16:], uint64(64+len(payload)))
	le.PutUint64(hdr[48:], 0x5643534952) // "RISCV"
	le.PutUint32(hdr[56:], 0x05435352)   // "RSC\x05"
	return append(hdr, payload...)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(31 * i)
	}

	return b
}
