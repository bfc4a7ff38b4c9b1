package fdt_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/c35s/visor/fdt"
	"github.com/google/go-cmp/cmp"
)

var be = binary.BigEndian

const (
	tokBeginNode = 0x1
	tokEndNode   = 0x2
	tokProp      = 0x3
	tokEnd       = 0x9
)

type header struct {
	magic         uint32
	totalSize     uint32
	offStruct     uint32
	offStrings    uint32
	offMemReserve uint32
	version       uint32
	lastComp      uint32
	bootCPU       uint32
	sizeStrings   uint32
	sizeStruct    uint32
}

func readHeader(t *testing.T, blob []byte) header {
	t.Helper()

	if len(blob) < 40 {
		t.Fatalf("blob is %d bytes", len(blob))
	}

	return header{
		magic:         be.Uint32(blob[0:]),
		totalSize:     be.Uint32(blob[4:]),
		offStruct:     be.Uint32(blob[8:]),
		offStrings:    be.Uint32(blob[12:]),
		offMemReserve: be.Uint32(blob[16:]),
		version:       be.Uint32(blob[20:]),
		lastComp:      be.Uint32(blob[24:]),
		bootCPU:       be.Uint32(blob[28:]),
		sizeStrings:   be.Uint32(blob[32:]),
		sizeStruct:    be.Uint32(blob[36:]),
	}
}

// parse decodes the structure block back into a node tree.
func parse(t *testing.T, blob []byte) *fdt.Node {
	t.Helper()

	h := readHeader(t, blob)
	if h.magic != fdt.Magic {
		t.Fatalf("magic = 0x%x", h.magic)
	}

	sb := blob[h.offStruct : h.offStruct+h.sizeStruct]
	strs := blob[h.offStrings : h.offStrings+h.sizeStrings]

	var (
		root  *fdt.Node
		stack []*fdt.Node
		off   int
	)

	u32 := func() uint32 {
		v := be.Uint32(sb[off:])
		off += 4
		return v
	}

	cstr := func(b []byte) string {
		end := bytes.IndexByte(b, 0)
		if end < 0 {
			t.Fatal("unterminated string")
		}

		return string(b[:end])
	}

	for {
		switch tok := u32(); tok {
		case tokBeginNode:
			name := cstr(sb[off:])
			off = (off + len(name) + 1 + 3) &^ 3

			n := &fdt.Node{Name: name}
			if len(stack) == 0 {
				root = n
			} else {
				p := stack[len(stack)-1]
				p.Children = append(p.Children, n)
			}

			stack = append(stack, n)

		case tokEndNode:
			stack = stack[:len(stack)-1]

		case tokProp:
			size := int(u32())
			name := cstr(strs[u32():])

			var v []byte
			if size > 0 {
				v = append([]byte(nil), sb[off:off+size]...)
			}

			off = (off + size + 3) &^ 3

			n := stack[len(stack)-1]
			n.Props = append(n.Props, fdt.Prop{Name: name, Value: v})

		case tokEnd:
			if len(stack) != 0 {
				t.Fatalf("%d nodes are still open", len(stack))
			}

			return root

		default:
			t.Fatalf("bad token 0x%x at offset %d", tok, off-4)
		}
	}
}

func TestBuild(t *testing.T) {
	tree := &fdt.Node{
		Props: []fdt.Prop{
			fdt.PropU32("#address-cells", 2),
			fdt.PropU32("#size-cells", 2),
			fdt.PropString("compatible", "riscv-virtio"),
		},

		Children: []*fdt.Node{
			{
				Name: "chosen",
				Props: []fdt.Prop{
					fdt.PropString("bootargs", "console=hvc0 reboot=t"),
				},
			},
			{
				Name: "memory@80000000",
				Props: []fdt.Prop{
					fdt.PropString("device_type", "memory"),
					fdt.PropU32("reg", 0, 0x8000_0000, 0, 0x800_0000),
				},
			},
			{
				Name: "soc",
				Props: []fdt.Prop{
					fdt.PropString("compatible", "simple-bus"),
					fdt.PropEmpty("ranges"),
				},

				Children: []*fdt.Node{
					{
						Name: "virtio_mmio@10001000",
						Props: []fdt.Prop{
							fdt.PropString("compatible", "virtio,mmio"),
							fdt.PropU32("reg", 0, 0x1000_1000, 0, 0x1000),
							fdt.PropU32("interrupts", 1),
						},
					},
				},
			},
		},
	}

	blob, err := fdt.Build(tree)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("header", func(t *testing.T) {
		h := readHeader(t, blob)

		if h.magic != fdt.Magic {
			t.Errorf("magic = 0x%x", h.magic)
		}

		if h.version != fdt.Version || h.lastComp != 16 {
			t.Errorf("version %d last comp %d", h.version, h.lastComp)
		}

		if h.totalSize != uint32(len(blob)) {
			t.Errorf("total size %d != %d", h.totalSize, len(blob))
		}

		if h.offMemReserve != 40 || h.offStruct != 56 {
			t.Errorf("mem reserve at %d, struct at %d", h.offMemReserve, h.offStruct)
		}

		if h.offStrings != h.offStruct+h.sizeStruct {
			t.Errorf("strings at %d, want %d", h.offStrings, h.offStruct+h.sizeStruct)
		}

		if h.offStrings+h.sizeStrings != h.totalSize {
			t.Errorf("strings end at %d, want %d", h.offStrings+h.sizeStrings, h.totalSize)
		}

		if h.bootCPU != 0 {
			t.Errorf("boot cpu = %d", h.bootCPU)
		}

		if h.sizeStruct%4 != 0 {
			t.Errorf("struct size %d is unaligned", h.sizeStruct)
		}
	})

	t.Run("memory reservation block is empty", func(t *testing.T) {
		if !bytes.Equal(blob[40:56], make([]byte, 16)) {
			t.Errorf("mem reserve block = % x", blob[40:56])
		}
	})

	t.Run("round trip", func(t *testing.T) {
		if diff := cmp.Diff(tree, parse(t, blob)); diff != "" {
			t.Errorf("parsed tree differs:\n%s", diff)
		}
	})

	t.Run("property names are deduplicated", func(t *testing.T) {
		h := readHeader(t, blob)
		strs := blob[h.offStrings:]

		for _, name := range []string{"compatible", "reg"} {
			want := append([]byte(name), 0)
			if n := bytes.Count(strs, want); n != 1 {
				t.Errorf("%d copies of %q in the strings block", n, name)
			}
		}
	})
}

func TestBuildEmptyRoot(t *testing.T) {
	blob, err := fdt.Build(&fdt.Node{})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(&fdt.Node{}, parse(t, blob)); diff != "" {
		t.Errorf("parsed tree differs:\n%s", diff)
	}
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name string
		root *fdt.Node
	}{
		{
			name: "nil root",
			root: nil,
		},
		{
			name: "named root",
			root: &fdt.Node{Name: "root"},
		},
		{
			name: "unnamed child",
			root: &fdt.Node{Children: []*fdt.Node{{}}},
		},
		{
			name: "nul in a node name",
			root: &fdt.Node{Children: []*fdt.Node{{Name: "bad\x00name"}}},
		},
		{
			name: "unnamed property",
			root: &fdt.Node{Props: []fdt.Prop{{}}},
		},
		{
			name: "nul in a property name",
			root: &fdt.Node{Props: []fdt.Prop{{Name: "bad\x00name"}}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fdt.Build(tc.root); !errors.Is(err, fdt.ErrBadName) {
				t.Errorf("err = %v, want %v", err, fdt.ErrBadName)
			}
		})
	}
}

func TestProps(t *testing.T) {
	cases := []struct {
		name string
		prop fdt.Prop
		want []byte
	}{
		{
			name: "u32",
			prop: fdt.PropU32("x", 1, 2),
			want: []byte{0, 0, 0, 1, 0, 0, 0, 2},
		},
		{
			name: "u64",
			prop: fdt.PropU64("x", 0x1_0000_0002),
			want: []byte{0, 0, 0, 1, 0, 0, 0, 2},
		},
		{
			name: "string",
			prop: fdt.PropString("x", "a", "bc"),
			want: []byte{'a', 0, 'b', 'c', 0},
		},
		{
			name: "empty",
			prop: fdt.PropEmpty("x"),
			want: nil,
		},
		{
			name: "bytes",
			prop: fdt.PropBytes("x", []byte{1, 2, 3}),
			want: []byte{1, 2, 3},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, tc.prop.Value); diff != "" {
				t.Errorf("value differs:\n%s", diff)
			}
		})
	}
}
