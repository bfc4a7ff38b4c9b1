package guest_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/c35s/visor/guest"
)

func TestSlice(t *testing.T) {
	mem := guest.NewMem(0x1000, make([]byte, 0x100))

	cases := []struct {
		name string
		addr uint64
		size int
		ok   bool
	}{
		{name: "whole view", addr: 0x1000, size: 0x100, ok: true},
		{name: "interior", addr: 0x1010, size: 0x10, ok: true},
		{name: "empty at end", addr: 0x1100, size: 0, ok: true},
		{name: "below base", addr: 0xfff, size: 1},
		{name: "past end", addr: 0x1100, size: 1},
		{name: "straddles end", addr: 0x10f0, size: 0x11},
		{name: "negative size", addr: 0x1000, size: -1},
		{name: "wraps around", addr: ^uint64(0), size: 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := mem.Slice(tc.addr, tc.size)

			if tc.ok {
				if err != nil {
					t.Fatal(err)
				}

				if len(s) != tc.size {
					t.Errorf("len %d != %d", len(s), tc.size)
				}

				return
			}

			if !errors.Is(err, guest.ErrOutOfBounds) {
				t.Errorf("err %v is not %v", err, guest.ErrOutOfBounds)
			}
		})
	}
}

func TestSliceAliasesMemory(t *testing.T) {
	mem := guest.NewMem(0, make([]byte, 8))

	s, err := mem.Slice(4, 4)
	if err != nil {
		t.Fatal(err)
	}

	copy(s, "data")

	out := make([]byte, 4)
	if _, err := mem.ReadAt(out, 4); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(out, []byte("data")) {
		t.Errorf("%q != %q", out, "data")
	}
}

func TestReadWriteAt(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		mem := guest.NewMem(0x8000_0000, make([]byte, 0x1000))

		in := []byte("hello")
		if _, err := mem.WriteAt(in, 0x8000_0800); err != nil {
			t.Fatal(err)
		}

		out := make([]byte, len(in))
		if _, err := mem.ReadAt(out, 0x8000_0800); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(out, in) {
			t.Errorf("%q != %q", out, in)
		}
	})

	t.Run("out of bounds", func(t *testing.T) {
		mem := guest.NewMem(0x8000_0000, make([]byte, 0x1000))

		if _, err := mem.ReadAt(make([]byte, 1), 0); !errors.Is(err, guest.ErrOutOfBounds) {
			t.Errorf("read err %v is not %v", err, guest.ErrOutOfBounds)
		}

		if _, err := mem.WriteAt(make([]byte, 1), 0x8000_1000); !errors.Is(err, guest.ErrOutOfBounds) {
			t.Errorf("write err %v is not %v", err, guest.ErrOutOfBounds)
		}
	})
}

func TestAlloc(t *testing.T) {
	mem, err := guest.Alloc(0x8000_0000, guest.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if mem.Base() != 0x8000_0000 {
		t.Errorf("base %#x != %#x", mem.Base(), 0x8000_0000)
	}

	if mem.Size() != guest.PageSize {
		t.Errorf("size %d != %d", mem.Size(), guest.PageSize)
	}

	if _, err := mem.WriteAt([]byte{1}, 0x8000_0000); err != nil {
		t.Fatal(err)
	}

	if err := mem.Free(); err != nil {
		t.Fatal(err)
	}

	if err := mem.Free(); err != nil {
		t.Error("second free:", err)
	}
}
