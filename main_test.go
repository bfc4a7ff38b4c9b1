package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/c35s/visor/fdt"
)

var be = binary.BigEndian

func TestOpenLoader(t *testing.T) {
	t.Run("no kernel yields no loader", func(t *testing.T) {
		ld, cleanup, err := openLoader(MachineConfig{})
		if err != nil {
			t.Fatal(err)
		}

		if ld != nil {
			t.Errorf("loader is %+v, want nil", ld)
		}

		cleanup()
	})

	t.Run("initrd without a kernel is an error", func(t *testing.T) {
		if _, _, err := openLoader(MachineConfig{Initrd: "initrd.cpio.gz"}); err == nil {
			t.Error("err is nil")
		}
	})

	t.Run("missing kernel file", func(t *testing.T) {
		cfg := MachineConfig{Kernel: filepath.Join(t.TempDir(), "vmlinux")}
		if _, _, err := openLoader(cfg); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("err %v is not %v", err, fs.ErrNotExist)
		}
	})

	t.Run("kernel and initrd are opened", func(t *testing.T) {
		dir := t.TempDir()
		cfg := MachineConfig{
			Kernel:  filepath.Join(dir, "vmlinux"),
			Initrd:  filepath.Join(dir, "initrd"),
			Cmdline: "console=hvc0",
		}

		if err := os.WriteFile(cfg.Kernel, []byte("kernel"), 0644); err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(cfg.Initrd, []byte("initrd"), 0644); err != nil {
			t.Fatal(err)
		}

		ld, cleanup, err := openLoader(cfg)
		if err != nil {
			t.Fatal(err)
		}

		defer cleanup()

		if ld.Kernel == nil || ld.Initrd == nil {
			t.Errorf("loader %+v is missing a reader", ld)
		}

		if ld.Cmdline != cfg.Cmdline {
			t.Errorf("cmdline %q != %q", ld.Cmdline, cfg.Cmdline)
		}
	})
}

func TestBuildFDT(t *testing.T) {
	t.Run("static tree without a kernel", func(t *testing.T) {
		blob, info, err := buildFDT(MachineConfig{
			MemMiB: 16,
			Disks:  []DiskConfig{{Path: "disk.img"}},
		})

		if err != nil {
			t.Fatal(err)
		}

		if info != nil {
			t.Errorf("boot info is %+v, want nil", info)
		}

		if magic := be.Uint32(blob); magic != fdt.Magic {
			t.Errorf("magic %#x != %#x", magic, fdt.Magic)
		}

		if size := be.Uint32(blob[4:]); int(size) != len(blob) {
			t.Errorf("totalsize %d != %d", size, len(blob))
		}

		if bytes.Contains(blob, []byte("linux,initrd-start")) {
			t.Error("tree advertises an initrd")
		}
	})

	t.Run("boot tree pins the initrd range", func(t *testing.T) {
		dir := t.TempDir()
		cfg := MachineConfig{
			MemMiB:  16,
			Kernel:  filepath.Join(dir, "vmlinux"),
			Initrd:  filepath.Join(dir, "initrd"),
			Cmdline: "console=hvc0",
		}

		if err := os.WriteFile(cfg.Kernel, bytes.Repeat([]byte{0x13, 0, 0, 0}, 0x100), 0644); err != nil {
			t.Fatal(err)
		}

		initrd := bytes.Repeat([]byte{0xa5}, 0x2000)
		if err := os.WriteFile(cfg.Initrd, initrd, 0644); err != nil {
			t.Fatal(err)
		}

		blob, info, err := buildFDT(cfg)
		if err != nil {
			t.Fatal(err)
		}

		if info == nil {
			t.Fatal("boot info is nil")
		}

		if size := be.Uint32(blob[4:]); int(size) != len(blob) {
			t.Errorf("totalsize %d != %d", size, len(blob))
		}

		if info.DTBAddr%8 != 0 {
			t.Errorf("dtb addr %#x is not 8-byte aligned", info.DTBAddr)
		}

		if info.InitrdSize != uint64(len(initrd)) {
			t.Errorf("initrd size %d != %d", info.InitrdSize, len(initrd))
		}

		if !bytes.Contains(blob, []byte("linux,initrd-start")) {
			t.Error("tree has no initrd range")
		}

		if !bytes.Contains(blob, []byte(cfg.Cmdline)) {
			t.Error("tree has no bootargs")
		}
	})
}

func TestCheckDisk(t *testing.T) {
	dir := t.TempDir()

	img := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(img, bytes.Repeat([]byte{0x5a}, 8*512), 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("image alone", func(t *testing.T) {
		if err := checkDisk(MachineConfig{MemMiB: 16}, DiskConfig{Path: img}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("image with a kernel loaded", func(t *testing.T) {
		kernel := filepath.Join(dir, "vmlinux")
		if err := os.WriteFile(kernel, bytes.Repeat([]byte{0x13, 0, 0, 0}, 0x100), 0644); err != nil {
			t.Fatal(err)
		}

		cfg := MachineConfig{MemMiB: 16, Kernel: kernel, Cmdline: "root=/dev/vda"}
		if err := checkDisk(cfg, DiskConfig{Path: img}); err != nil {
			t.Fatal(err)
		}
	})
}
