// Package virtq implements split virtqueues as described by the Virtual I/O
// Device (VIRTIO) Version 1.2 spec. Packed virtqueues are not supported.
package virtq

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var le = binary.LittleEndian

// ErrBadChain is returned when the driver publishes a descriptor chain
// the device can't safely walk: a descriptor index out of range, a
// chain longer than the queue, or an indirect descriptor when the
// indirect feature hasn't been negotiated.
var ErrBadChain = errors.New("virtq: bad descriptor chain")

// Config configures a split virtqueue.
type Config struct {
	// MemAt returns a slice aliasing size bytes of guest memory at the
	// given guest-physical address. It is called when a chain's buffers
	// are resolved.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Notify is called when Release marks a chain as used, unless the
	// driver has suppressed used buffer notifications.
	Notify func() error
}

// Q is a split virtqueue. The descriptor table, available ring, and
// used ring alias driver-owned guest memory.
type Q struct {
	desc  []byte
	avail []byte
	used  []byte

	num       int
	lastAvail uint16
	cfg       Config
}

// Chain is a chain of descriptors in a split virtqueue. Desc holds the
// chain's descriptors in driver order.
type Chain struct {
	q    *Q
	head uint16
	Desc []Desc
}

// Desc is a descriptor in a split virtqueue's descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Descriptor flags.
const (
	DescFNext     = 1 // buffer continues in the next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

// The driver doesn't want used buffer notifications.
const availFNoInterrupt = 1

const (
	descBytes      = 16
	availElemBytes = 2
	usedElemBytes  = 8
)

// DescTableBytes returns the size of a descriptor table with num entries.
func DescTableBytes(num int) int {
	return descBytes * num
}

// AvailRingBytes returns the size of an available ring with num
// entries, including the reserved trailing event field.
func AvailRingBytes(num int) int {
	return 6 + availElemBytes*num
}

// UsedRingBytes returns the size of a used ring with num entries,
// including the reserved trailing event field.
func UsedRingBytes(num int) int {
	return 6 + usedElemBytes*num
}

// New returns a new split virtqueue backed by the given descriptor
// table, available ring, and used ring, which the caller resolves from
// guest memory. The queue size is len(desc)/16.
func New(desc, avail, used []byte, cfg Config) *Q {
	return &Q{
		desc:  desc,
		avail: avail,
		used:  used,
		num:   len(desc) / descBytes,
		cfg:   cfg,
	}
}

// Next returns the next available descriptor chain, or nil if no chain
// is available. A chain contains at least 1 descriptor. The caller
// must call the returned chain's Release method before calling Next
// again.
func (q *Q) Next() (*Chain, error) {
	if q.num == 0 {
		return nil, nil
	}

	idx := le.Uint16(q.avail[2:])
	if idx == q.lastAvail {
		return nil, nil
	}

	if idx-q.lastAvail > uint16(q.num) {
		return nil, fmt.Errorf("%w: avail index moved by %d with %d descriptors",
			ErrBadChain, idx-q.lastAvail, q.num)
	}

	slot := int(q.lastAvail) % q.num
	head := le.Uint16(q.avail[4+availElemBytes*slot:])

	desc, err := q.walk(head)
	if err != nil {
		return nil, err
	}

	q.lastAvail++

	return &Chain{
		q:    q,
		head: head,
		Desc: desc,
	}, nil
}

// walk gathers the chain starting at head by following next links. The
// walk is bounded by the queue size, so a cycle can't hang the device.
func (q *Q) walk(head uint16) ([]Desc, error) {
	var chain []Desc
	for i, n := head, 0; ; n++ {
		if n == q.num {
			return nil, fmt.Errorf("%w: more than %d descriptors from head %d",
				ErrBadChain, q.num, head)
		}

		if int(i) >= q.num {
			return nil, fmt.Errorf("%w: descriptor index %d out of range", ErrBadChain, i)
		}

		d := q.descAt(i)
		if d.Flags&DescFIndirect != 0 {
			return nil, fmt.Errorf("%w: descriptor %d is indirect", ErrBadChain, i)
		}

		chain = append(chain, d)
		if d.Flags&DescFNext == 0 {
			return chain, nil
		}

		i = d.Next
	}
}

func (q *Q) descAt(i uint16) Desc {
	b := q.desc[descBytes*int(i):]
	return Desc{
		Addr:  le.Uint64(b),
		Len:   le.Uint32(b[8:]),
		Flags: le.Uint16(b[12:]),
		Next:  le.Uint16(b[14:]),
	}
}

func (q *Q) release(c *Chain, written int) error {
	idx := le.Uint16(q.used[2:])
	slot := int(idx) % q.num

	le.PutUint32(q.used[4+usedElemBytes*slot:], uint32(c.head))
	le.PutUint32(q.used[4+usedElemBytes*slot+4:], uint32(written))
	le.PutUint16(q.used[2:], idx+1)

	if q.cfg.Notify != nil && le.Uint16(q.avail)&availFNoInterrupt == 0 {
		return q.cfg.Notify()
	}

	return nil
}

// Buf returns a slice aliasing the data of the i'th descriptor in the
// chain. It panics if i is out of range.
func (c *Chain) Buf(i int) ([]byte, error) {
	d := c.Desc[i]
	return c.q.cfg.MemAt(d.Addr, int(d.Len))
}

// Release marks the chain as used, recording written as the number of
// bytes the device wrote to the chain's buffers, and notifies the
// driver unless notifications are suppressed. Chains must be released
// in the order Next returned them.
func (c *Chain) Release(written int) error {
	return c.q.release(c, written)
}

// IsRO reports whether the descriptor's buffer is read-only for the device.
func (d Desc) IsRO() bool {
	return d.Flags&DescFWrite == 0
}

// IsWO reports whether the descriptor's buffer is write-only for the device.
func (d Desc) IsWO() bool {
	return d.Flags&DescFWrite != 0
}
