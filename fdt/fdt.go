// Package fdt builds flattened device tree blobs as described by
// chapter 5 of the devicetree specification.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Magic begins every flattened device tree.
const Magic = 0xd00dfeed

// Version is the device tree blob version Build emits.
const Version = 17

const (
	lastCompVersion = 16
	headerBytes     = 40
	memReserveBytes = 16

	tokBeginNode = 0x1
	tokEndNode   = 0x2
	tokProp      = 0x3
	tokEnd       = 0x9
)

// ErrBadName is returned when a node or property name can't be
// represented in a device tree.
var ErrBadName = errors.New("fdt: bad name")

// Node is one device tree node. The root node must have an empty
// name. All other nodes must be named.
type Node struct {
	Name     string
	Props    []Prop
	Children []*Node
}

// Prop is a named property with its value already encoded. Values are
// usually built with the Prop* helpers.
type Prop struct {
	Name  string
	Value []byte
}

var be = binary.BigEndian

// PropU32 encodes 32-bit cells.
func PropU32(name string, vv ...uint32) Prop {
	v := make([]byte, 4*len(vv))
	for i, u := range vv {
		be.PutUint32(v[4*i:], u)
	}

	return Prop{Name: name, Value: v}
}

// PropU64 encodes 64-bit values.
func PropU64(name string, vv ...uint64) Prop {
	v := make([]byte, 8*len(vv))
	for i, u := range vv {
		be.PutUint64(v[8*i:], u)
	}

	return Prop{Name: name, Value: v}
}

// PropString encodes NUL-terminated strings.
func PropString(name string, ss ...string) Prop {
	var v []byte
	for _, s := range ss {
		v = append(v, s...)
		v = append(v, 0)
	}

	return Prop{Name: name, Value: v}
}

// PropEmpty encodes a property with no value, like ranges or
// interrupt-controller.
func PropEmpty(name string) Prop {
	return Prop{Name: name}
}

// PropBytes wraps a raw value.
func PropBytes(name string, v []byte) Prop {
	return Prop{Name: name, Value: v}
}

// Build serializes the tree rooted at root into a device tree blob
// with an empty memory reservation block.
func Build(root *Node) ([]byte, error) {
	if root == nil || root.Name != "" {
		return nil, fmt.Errorf("%w: the root node must be unnamed", ErrBadName)
	}

	b := &builder{offsets: make(map[string]uint32)}
	if err := b.node(root); err != nil {
		return nil, err
	}

	b.token(tokEnd)
	return b.finish(), nil
}

type builder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	offsets   map[string]uint32
}

func (b *builder) node(n *Node) error {
	if strings.ContainsRune(n.Name, 0) {
		return fmt.Errorf("%w: node %q", ErrBadName, n.Name)
	}

	b.token(tokBeginNode)
	b.structure.WriteString(n.Name)
	b.structure.WriteByte(0)
	b.pad()

	for _, p := range n.Props {
		if err := b.prop(p); err != nil {
			return err
		}
	}

	for _, c := range n.Children {
		if c.Name == "" {
			return fmt.Errorf("%w: a child of %q is unnamed", ErrBadName, n.Name)
		}

		if err := b.node(c); err != nil {
			return err
		}
	}

	b.token(tokEndNode)
	return nil
}

func (b *builder) prop(p Prop) error {
	if p.Name == "" || strings.ContainsRune(p.Name, 0) {
		return fmt.Errorf("%w: property %q", ErrBadName, p.Name)
	}

	b.token(tokProp)
	b.u32(uint32(len(p.Value)))
	b.u32(b.nameOffset(p.Name))
	b.structure.Write(p.Value)
	b.pad()

	return nil
}

// nameOffset interns a property name in the strings block.
func (b *builder) nameOffset(name string) uint32 {
	if off, ok := b.offsets[name]; ok {
		return off
	}

	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.offsets[name] = off

	return off
}

func (b *builder) token(tok uint32) {
	b.u32(tok)
}

func (b *builder) u32(v uint32) {
	var tmp [4]byte
	be.PutUint32(tmp[:], v)
	b.structure.Write(tmp[:])
}

func (b *builder) pad() {
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

func (b *builder) finish() []byte {
	var (
		offMemReserve = uint32(headerBytes)
		offStruct     = offMemReserve + memReserveBytes
		offStrings    = offStruct + uint32(b.structure.Len())
		totalSize     = offStrings + uint32(b.strings.Len())
	)

	blob := make([]byte, totalSize)
	be.PutUint32(blob[0:], Magic)
	be.PutUint32(blob[4:], totalSize)
	be.PutUint32(blob[8:], offStruct)
	be.PutUint32(blob[12:], offStrings)
	be.PutUint32(blob[16:], offMemReserve)
	be.PutUint32(blob[20:], Version)
	be.PutUint32(blob[24:], lastCompVersion)
	be.PutUint32(blob[28:], 0) // boot_cpuid_phys
	be.PutUint32(blob[32:], uint32(b.strings.Len()))
	be.PutUint32(blob[36:], uint32(b.structure.Len()))

	copy(blob[offStruct:], b.structure.Bytes())
	copy(blob[offStrings:], b.strings.Bytes())

	return blob
}
