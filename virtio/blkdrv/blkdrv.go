// Package blkdrv is a guest's-eye virtio-mmio block driver. It drives
// a virtual machine the way a guest kernel would: probing the device
// slot, negotiating features, building a virtqueue in guest RAM, and
// submitting requests one at a time. Tests and the check command use
// it in place of a real guest.
package blkdrv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/c35s/visor/guest"
	"github.com/c35s/visor/platform"
	"github.com/c35s/visor/plic"
	"github.com/c35s/visor/virtio"
	"github.com/c35s/visor/virtio/virtq"
)

// Machine is the slice of a VM the driver needs: the trapped MMIO
// surface, the interrupt query, and guest RAM.
type Machine interface {
	MMIOLoad(addr uint64, width int) (uint64, error)
	MMIOStore(addr uint64, width int, v uint64) error
	IRQPending(context int) bool
	Mem() *guest.Mem
}

var (
	ErrIO          = errors.New("blkdrv: device reported an i/o error")
	ErrUnsupported = errors.New("blkdrv: request type not supported by the device")
)

// virtio-mmio registers, from the driver's side
const (
	regMagic             = 0x00
	regVersion           = 0x04
	regDeviceID          = 0x08
	regDeviceFeatures    = 0x10
	regDeviceFeaturesSel = 0x14
	regDriverFeatures    = 0x20
	regDriverFeaturesSel = 0x24
	regQueueSel          = 0x30
	regQueueNumMax       = 0x34
	regQueueNum          = 0x38
	regQueueReady        = 0x44
	regQueueNotify       = 0x50
	regInterruptStatus   = 0x60
	regInterruptAck      = 0x64
	regStatus            = 0x70
	regQueueDescLow      = 0x80
	regQueueDescHigh     = 0x84
	regQueueDriverLow    = 0x90
	regQueueDriverHigh   = 0x94
	regQueueDeviceLow    = 0xa0
	regQueueDeviceHigh   = 0xa4
	regConfig            = 0x100
)

// virtio-blk wire format, from the driver's side
const (
	reqIn    = 0
	reqOut   = 1
	reqGetID = 8

	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2

	fReadOnly = 1 << 5 // VIRTIO_BLK_F_RO

	sectorSize = 512
	idBytes    = 20
)

// The driver lays out its rings and buffers in a fixed arena near the
// bottom of RAM, below the kernel load offset. It must not be pointed
// at a VM that is also running a loaded guest.
const (
	arenaBase = platform.RAMBase + 0x1_0000

	descOff   = 0x000
	availOff  = 0x100
	usedOff   = 0x200
	headerOff = 0x300
	statusOff = 0x340
	dataOff   = 0x400

	queueSize = 8
	dataCap   = 0x1_0000
)

// hartContext is the PLIC context the driver routes its interrupt to.
const hartContext = plic.ContextSupervisor

var le = binary.LittleEndian

// Disk is an attached virtio block device.
type Disk struct {
	m    Machine
	mem  *guest.Mem
	base uint64
	irq  int

	features uint64
	capacity uint64 // sectors
	next     uint16 // free-running avail index
}

// Attach probes the virtio-mmio slot, brings the device up through the
// status handshake, and arms queue 0. It fails if the slot is empty or
// holds something other than a block device.
func Attach(m Machine, slot int) (*Disk, error) {
	r, irq, err := platform.VirtioSlot(slot)
	if err != nil {
		return nil, err
	}

	d := &Disk{
		m:    m,
		mem:  m.Mem(),
		base: r.Base,
		irq:  irq,
	}

	for _, step := range []func() error{
		d.probe,
		d.negotiate,
		d.setupQueue,
		d.enableIRQ,
		d.start,
	} {
		if err := step(); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Capacity returns the size of the disk in 512-byte sectors.
func (d *Disk) Capacity() uint64 {
	return d.capacity
}

// ReadOnly reports whether the device refuses writes.
func (d *Disk) ReadOnly() bool {
	return d.features&fReadOnly != 0
}

// Read fills p from the disk starting at the given sector. The length
// of p must be a multiple of the sector size.
func (d *Disk) Read(sector uint64, p []byte) error {
	return d.transfer(reqIn, sector, p)
}

// Write stores p to the disk starting at the given sector. The length
// of p must be a multiple of the sector size.
func (d *Disk) Write(sector uint64, p []byte) error {
	return d.transfer(reqOut, sector, p)
}

// ID returns the device's serial number.
func (d *Disk) ID() (string, error) {
	id := make([]byte, idBytes)
	if err := d.request(reqGetID, 0, id, true); err != nil {
		return "", err
	}

	if i := bytes.IndexByte(id, 0); i >= 0 {
		id = id[:i]
	}

	return string(id), nil
}

// Close resets the device. The disk is unusable afterward.
func (d *Disk) Close() error {
	return d.wr(regStatus, 0)
}

func (d *Disk) transfer(op uint32, sector uint64, p []byte) error {
	if len(p)%sectorSize != 0 {
		return fmt.Errorf("blkdrv: transfer of %d bytes is not a multiple of the sector size", len(p))
	}

	for off := 0; off < len(p); off += dataCap {
		n := min(dataCap, len(p)-off)
		err := d.request(op, sector+uint64(off/sectorSize), p[off:off+n], op == reqIn)
		if err != nil {
			return err
		}
	}

	return nil
}

// request submits a three-descriptor chain (header, data, status) and
// waits for the device to use it. When deviceWrites is set the data
// descriptor is device-writable and p is filled from guest memory
// after the request completes.
func (d *Disk) request(op uint32, sector uint64, p []byte, deviceWrites bool) error {
	var hdr [16]byte
	le.PutUint32(hdr[0:], op)
	le.PutUint64(hdr[8:], sector)

	if _, err := d.mem.WriteAt(hdr[:], arenaBase+headerOff); err != nil {
		return err
	}

	if !deviceWrites {
		if _, err := d.mem.WriteAt(p, arenaBase+dataOff); err != nil {
			return err
		}
	}

	var dataFlags uint16 = virtq.DescFNext
	if deviceWrites {
		dataFlags |= virtq.DescFWrite
	}

	if err := d.writeDescs(uint32(len(p)), dataFlags); err != nil {
		return err
	}

	if err := d.push(0); err != nil {
		return err
	}

	if err := d.wr(regQueueNotify, 0); err != nil {
		return err
	}

	if err := d.complete(); err != nil {
		return err
	}

	var status [1]byte
	if _, err := d.mem.ReadAt(status[:], arenaBase+statusOff); err != nil {
		return err
	}

	switch status[0] {
	case statusOK:

	case statusIOErr:
		return fmt.Errorf("%w: op %d sector %d", ErrIO, op, sector)

	case statusUnsupp:
		return fmt.Errorf("%w: op %d", ErrUnsupported, op)

	default:
		return fmt.Errorf("blkdrv: unknown request status %d", status[0])
	}

	if deviceWrites {
		if _, err := d.mem.ReadAt(p, arenaBase+dataOff); err != nil {
			return err
		}
	}

	return nil
}

// complete consumes the used entry for the chain submitted by request
// and acknowledges the device's interrupt, mmio and PLIC both.
func (d *Disk) complete() error {
	var ring [4]byte
	if _, err := d.mem.ReadAt(ring[:2], arenaBase+usedOff+2); err != nil {
		return err
	}

	if got := le.Uint16(ring[:2]); got != d.next {
		st, err := d.rd(regStatus)
		if err != nil {
			return err
		}

		if st&(virtio.StatusNeedsReset|virtio.StatusFailed) != 0 {
			return fmt.Errorf("blkdrv: device failed, status 0x%x", st)
		}

		return fmt.Errorf("blkdrv: request not completed, used index is %d, want %d", got, d.next)
	}

	elem := int64(arenaBase+usedOff+4) + 8*int64((d.next-1)%queueSize)
	if _, err := d.mem.ReadAt(ring[:4], elem); err != nil {
		return err
	}

	if id := le.Uint32(ring[:4]); id != 0 {
		return fmt.Errorf("blkdrv: device used descriptor %d, want 0", id)
	}

	if !d.m.IRQPending(hartContext) {
		return errors.New("blkdrv: device didn't raise its interrupt")
	}

	is, err := d.rd(regInterruptStatus)
	if err != nil {
		return err
	}

	if is&1 == 0 {
		return fmt.Errorf("blkdrv: unexpected interrupt status 0x%x", is)
	}

	if err := d.wr(regInterruptAck, is); err != nil {
		return err
	}

	claim, err := d.ld(platform.PLICBase + plic.ContextBase + hartContext*plic.ContextStride + 4)
	if err != nil {
		return err
	}

	if claim != uint32(d.irq) {
		return fmt.Errorf("blkdrv: claimed interrupt %d, want %d", claim, d.irq)
	}

	return d.st(platform.PLICBase+plic.ContextBase+hartContext*plic.ContextStride+4, claim)
}

func (d *Disk) probe() error {
	magic, err := d.rd(regMagic)
	if err != nil {
		return err
	}

	if magic != virtio.MagicValue {
		return fmt.Errorf("blkdrv: no virtio device at 0x%x, magic is 0x%x", d.base, magic)
	}

	version, err := d.rd(regVersion)
	if err != nil {
		return err
	}

	if version != virtio.Version {
		return fmt.Errorf("blkdrv: unsupported virtio-mmio version %d", version)
	}

	id, err := d.rd(regDeviceID)
	if err != nil {
		return err
	}

	if id == uint32(virtio.InvalidDeviceID) {
		return fmt.Errorf("blkdrv: the slot at 0x%x is empty", d.base)
	}

	if virtio.DeviceID(id) != virtio.BlockDeviceID {
		return fmt.Errorf("blkdrv: the device at 0x%x is a %v, not a block device", d.base, virtio.DeviceID(id))
	}

	return nil
}

func (d *Disk) negotiate() error {
	if err := d.wr(regStatus, 0); err != nil {
		return err
	}

	st := uint32(virtio.StatusAcknowledge)
	if err := d.wr(regStatus, st); err != nil {
		return err
	}

	st |= virtio.StatusDriver
	if err := d.wr(regStatus, st); err != nil {
		return err
	}

	var offered uint64
	for _, sel := range []uint32{0, 1} {
		if err := d.wr(regDeviceFeaturesSel, sel); err != nil {
			return err
		}

		w, err := d.rd(regDeviceFeatures)
		if err != nil {
			return err
		}

		offered |= uint64(w) << (32 * sel)
	}

	accept := offered & (virtio.RequiredFeatures | fReadOnly)
	if accept&virtio.FVersion1 == 0 {
		return errors.New("blkdrv: device doesn't offer VIRTIO_F_VERSION_1")
	}

	for _, sel := range []uint32{0, 1} {
		if err := d.wr(regDriverFeaturesSel, sel); err != nil {
			return err
		}

		if err := d.wr(regDriverFeatures, uint32(accept>>(32*sel))); err != nil {
			return err
		}
	}

	st |= virtio.StatusFeaturesOK
	if err := d.wr(regStatus, st); err != nil {
		return err
	}

	got, err := d.rd(regStatus)
	if err != nil {
		return err
	}

	if got&virtio.StatusFeaturesOK == 0 {
		return fmt.Errorf("blkdrv: the device rejected features 0x%x", accept)
	}

	d.features = accept
	return nil
}

func (d *Disk) setupQueue() error {
	if err := d.wr(regQueueSel, 0); err != nil {
		return err
	}

	max, err := d.rd(regQueueNumMax)
	if err != nil {
		return err
	}

	if max < queueSize {
		return fmt.Errorf("blkdrv: queue size %d is too small", max)
	}

	if err := d.wr(regQueueNum, queueSize); err != nil {
		return err
	}

	for _, r := range []struct {
		lo   uint64
		addr uint64
	}{
		{regQueueDescLow, arenaBase + descOff},
		{regQueueDriverLow, arenaBase + availOff},
		{regQueueDeviceLow, arenaBase + usedOff},
	} {
		if err := d.wr(r.lo, uint32(r.addr)); err != nil {
			return err
		}

		if err := d.wr(r.lo+4, uint32(r.addr>>32)); err != nil {
			return err
		}
	}

	zero := make([]byte, virtq.DescTableBytes(queueSize)+
		virtq.AvailRingBytes(queueSize)+virtq.UsedRingBytes(queueSize))

	if _, err := d.mem.WriteAt(zero[:virtq.DescTableBytes(queueSize)], arenaBase+descOff); err != nil {
		return err
	}

	if _, err := d.mem.WriteAt(zero[:virtq.AvailRingBytes(queueSize)], arenaBase+availOff); err != nil {
		return err
	}

	if _, err := d.mem.WriteAt(zero[:virtq.UsedRingBytes(queueSize)], arenaBase+usedOff); err != nil {
		return err
	}

	d.next = 0
	return d.wr(regQueueReady, 1)
}

// enableIRQ routes the device's interrupt line to the hart context:
// priority 1, enable bit set, threshold 0.
func (d *Disk) enableIRQ() error {
	err := d.st(platform.PLICBase+plic.PriorityBase+4*uint64(d.irq), 1)
	if err != nil {
		return err
	}

	const enable uint64 = platform.PLICBase + plic.EnableBase + hartContext*plic.EnableStride
	en, err := d.ld(enable)
	if err != nil {
		return err
	}

	if err := d.st(enable, en|uint32(1)<<d.irq); err != nil {
		return err
	}

	return d.st(platform.PLICBase+plic.ContextBase+hartContext*plic.ContextStride, 0)
}

func (d *Disk) start() error {
	st := uint32(virtio.StatusAcknowledge | virtio.StatusDriver |
		virtio.StatusFeaturesOK | virtio.StatusDriverOK)

	if err := d.wr(regStatus, st); err != nil {
		return err
	}

	capacity, err := d.m.MMIOLoad(d.base+regConfig, 8)
	if err != nil {
		return err
	}

	d.capacity = capacity
	return nil
}

// writeDescs stores the driver's three-descriptor chain (header,
// data, status) into the descriptor table.
func (d *Disk) writeDescs(dataLen uint32, dataFlags uint16) error {
	var b [48]byte
	putDesc(b[0:], arenaBase+headerOff, 16, virtq.DescFNext, 1)
	putDesc(b[16:], arenaBase+dataOff, dataLen, dataFlags, 2)
	putDesc(b[32:], arenaBase+statusOff, 1, virtq.DescFWrite, 0)

	_, err := d.mem.WriteAt(b[:], arenaBase+descOff)
	return err
}

func putDesc(b []byte, addr uint64, size uint32, flags, next uint16) {
	le.PutUint64(b[0:], addr)
	le.PutUint32(b[8:], size)
	le.PutUint16(b[12:], flags)
	le.PutUint16(b[14:], next)
}

// push publishes head in the avail ring and advances the avail index.
func (d *Disk) push(head uint16) error {
	var b [2]byte
	le.PutUint16(b[:], head)
	if _, err := d.mem.WriteAt(b[:], arenaBase+availOff+4+2*int64(d.next%queueSize)); err != nil {
		return err
	}

	d.next++
	le.PutUint16(b[:], d.next)
	_, err := d.mem.WriteAt(b[:], arenaBase+availOff+2)
	return err
}

// rd reads a device register.
func (d *Disk) rd(off uint64) (uint32, error) {
	return d.ld(d.base + off)
}

// wr writes a device register.
func (d *Disk) wr(off uint64, v uint32) error {
	return d.st(d.base+off, v)
}

// ld emulates a 32-bit guest load.
func (d *Disk) ld(addr uint64) (uint32, error) {
	v, err := d.m.MMIOLoad(addr, 4)
	return uint32(v), err
}

// st emulates a 32-bit guest store.
func (d *Disk) st(addr uint64, v uint32) error {
	return d.m.MMIOStore(addr, 4, uint64(v))
}
