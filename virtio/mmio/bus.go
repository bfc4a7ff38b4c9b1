package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/visor/bus"
	"github.com/c35s/visor/guest"
	"github.com/c35s/visor/virtio"
	"github.com/c35s/visor/virtio/virtq"
)

// ErrBadRegister is returned when the guest reads a write-only
// register, writes a read-only register, or touches an offset that
// isn't a register at all.
var ErrBadRegister = errors.New("mmio: bad register access")

// Device is a single virtio-mmio device slot backed by a handler. It
// implements version 2 of the virtio-mmio register layout. Register
// access is synchronous: queue notifications drain the virtqueue on
// the caller's goroutine before the access returns, so the guest never
// runs concurrently with its own device.
type Device struct {
	handler virtio.DeviceHandler
	memAt   func(addr uint64, size int) ([]byte, error)
	notify  func() error

	mu    sync.Mutex
	state deviceState
	vq    *virtq.Q
	raise bool
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queue    queueState

	intStatus uint32
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	DescAddr   uint64 // address of the descriptor area
	DriverAddr uint64 // address of the driver area
	DeviceAddr uint64 // address of the device area
}

var le = binary.LittleEndian

// NewDevice installs handler behind a fresh device slot. The memAt
// callback resolves guest-physical addresses when the device maps its
// virtqueue or touches request buffers. The notify callback raises the
// device's interrupt line.
func NewDevice(handler virtio.DeviceHandler, memAt func(addr uint64, size int) ([]byte, error), notify func() error) *Device {
	return &Device{
		handler: handler,
		memAt:   memAt,
		notify:  notify,
	}
}

// Read returns the value of the device register at off. Scalar
// registers support only 4-byte access. Reads of unknown offsets or
// write-only registers fail with ErrBadRegister.
func (d *Device) Read(off uint64, width int) (v uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.deferFault(&err)

	if off >= regDeviceConfigStart {
		return d.readConfig(off, width)
	}

	if width != 4 {
		return 0, fmt.Errorf("%w: %d-byte read of register 0x%x", bus.ErrBadWidth, width, off)
	}

	v32, err := d.readReg(int(off))
	return uint64(v32), err
}

// Write stores v to the device register at off. Scalar registers
// support only 4-byte access. Writes to unknown offsets or read-only
// registers fail with ErrBadRegister.
func (d *Device) Write(off uint64, width int, v uint64) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.deferFault(&err)

	if off >= regDeviceConfigStart {
		return d.writeConfig(off, width, v)
	}

	if width != 4 {
		return fmt.Errorf("%w: %d-byte write of register 0x%x", bus.ErrBadWidth, width, off)
	}

	return d.writeReg(int(off), uint32(v))
}

// deferFault turns an error from the device or its handler into
// DEVICE_NEEDS_RESET and a config change notification, as 2.1.2 of the
// virtio spec requires. Fatal faults (a malformed access, a guest
// memory violation, a bad descriptor chain) pass through untouched so
// the hypervisor can halt.
func (d *Device) deferFault(errp *error) {
	err := *errp
	if err == nil || isFatal(err) {
		return
	}

	slog.Error("virtio device fault", "type", d.handler.GetType(), "err", err)
	*errp = nil

	if d.isFailed() {
		return
	}

	notify := d.isOperating()
	d.state.status |= virtio.StatusNeedsReset
	d.state.version++

	if notify {
		d.state.intStatus |= intStatusConfigChange
		if err := d.notify(); err != nil {
			slog.Error("virtio config change notification failed", "err", err)
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, bus.ErrBadWidth) ||
		errors.Is(err, ErrBadRegister) ||
		errors.Is(err, guest.ErrOutOfBounds) ||
		errors.Is(err, virtq.ErrBadChain)
}

func (d *Device) readReg(off int) (uint32, error) {
	switch off {
	case regMagicValue:
		return virtio.MagicValue, nil

	case regVersion:
		return virtio.Version, nil

	case regDeviceID:
		return uint32(d.handler.GetType()), nil

	case regVendorID:
		return VendorID, nil

	case regDeviceFeatures:
		if d.state.deviceFeaturesSel > 1 {
			return 0, nil
		}

		return uint32(d.getFeatures() >> (32 * d.state.deviceFeaturesSel)), nil

	case regQueueNumMax:
		if d.state.queueSel != 0 {
			return 0, nil
		}

		return QueueNumMax, nil

	case regQueueReady:
		if d.state.queueSel != 0 {
			return 0, nil
		}

		return d.state.queue.Ready, nil

	case regInterruptStatus:
		return d.state.intStatus, nil

	case regStatus:
		return d.state.status, nil

	case regConfigGeneration:
		return d.state.version, nil
	}

	return 0, fmt.Errorf("%w: read of register 0x%x", ErrBadRegister, off)
}

func (d *Device) readConfig(off uint64, width int) (uint64, error) {
	p := make([]byte, width)
	if err := d.handler.ReadConfig(p, int(off-regDeviceConfigStart)); err != nil {
		return 0, fmt.Errorf("read config at 0x%x: %w", off, err)
	}

	return leUint(p), nil
}

func (d *Device) writeConfig(off uint64, width int, v uint64) error {
	if d.featuresLatched() {
		d.failDriver("config write at 0x%x after FEATURES_OK", off)
		return nil
	}

	p := make([]byte, width)
	putLeUint(p, v)

	if err := d.handler.WriteConfig(p, int(off-regDeviceConfigStart)); err != nil {
		return fmt.Errorf("write config at 0x%x: %w", off, err)
	}

	return nil
}

func (d *Device) writeReg(off int, v uint32) error {
	if off == regStatus {
		return d.writeStatus(v)
	}

	// a failed device ignores everything except a status reset
	if d.isFailed() {
		return nil
	}

	switch off {
	case regDeviceFeaturesSel:
		d.state.deviceFeaturesSel = v

	case regDriverFeatures:
		d.writeDriverFeatures(v)

	case regDriverFeaturesSel:
		d.state.driverFeaturesSel = v

	case regQueueSel:
		d.state.queueSel = v

	case regQueueNum:
		d.writeQueueNum(v)

	case regQueueReady:
		return d.writeQueueReady(v)

	case regQueueNotify:
		return d.writeQueueNotify(v)

	case regInterruptAck:
		d.state.intStatus &^= v

	case regQueueDescLow:
		d.writeQueueAddr(&d.state.queue.DescAddr, v, 0)

	case regQueueDescHigh:
		d.writeQueueAddr(&d.state.queue.DescAddr, v, 32)

	case regQueueDriverLow:
		d.writeQueueAddr(&d.state.queue.DriverAddr, v, 0)

	case regQueueDriverHigh:
		d.writeQueueAddr(&d.state.queue.DriverAddr, v, 32)

	case regQueueDeviceLow:
		d.writeQueueAddr(&d.state.queue.DeviceAddr, v, 0)

	case regQueueDeviceHigh:
		d.writeQueueAddr(&d.state.queue.DeviceAddr, v, 32)

	default:
		return fmt.Errorf("%w: write of register 0x%x", ErrBadRegister, off)
	}

	return nil
}

// writeStatus applies a device status write. Status bits only ever
// accumulate within an initialization cycle: a write of zero resets
// the whole device, and any other transition that would clear a bit
// marks the device FAILED instead.
func (d *Device) writeStatus(v uint32) error {
	if v == 0 {
		d.state = deviceState{}
		d.vq = nil
		d.raise = false
		return nil
	}

	if d.isFailed() {
		return nil
	}

	const driverBits = virtio.StatusAcknowledge | virtio.StatusDriver |
		virtio.StatusFeaturesOK | virtio.StatusDriverOK | virtio.StatusFailed

	if v&^driverBits != 0 {
		d.failDriver("unwritable status bits 0x%x", v&^uint32(driverBits))
		return nil
	}

	if v&d.state.status != d.state.status {
		d.failDriver("status went backward from 0x%x to 0x%x", d.state.status, v)
		return nil
	}

	if v&virtio.StatusFailed != 0 {
		d.state.status = v
		return nil
	}

	set := v &^ d.state.status

	if set&virtio.StatusFeaturesOK != 0 {
		if bad := d.state.driverFeatures &^ d.getFeatures(); bad != 0 {
			d.failDriver("accepted features 0x%x were not offered", bad)
			return nil
		}

		if d.state.driverFeatures&virtio.RequiredFeatures != virtio.RequiredFeatures {
			d.failDriver("required features not accepted")
			return nil
		}
	}

	if set&virtio.StatusDriverOK != 0 && v&virtio.StatusFeaturesOK == 0 {
		d.failDriver("DRIVER_OK without FEATURES_OK")
		return nil
	}

	d.state.status = v

	if set&virtio.StatusDriverOK != 0 {
		if err := d.handler.Ready(d.state.driverFeatures); err != nil {
			return fmt.Errorf("device ready: %w", err)
		}
	}

	return nil
}

func (d *Device) writeDriverFeatures(v uint32) {
	if d.featuresLatched() {
		d.failDriver("feature write after FEATURES_OK")
		return
	}

	if sel := d.state.driverFeaturesSel; sel <= 1 {
		shift := 32 * sel
		d.state.driverFeatures = d.state.driverFeatures&^(0xffffffff<<shift) | uint64(v)<<shift
	}
}

func (d *Device) writeQueueNum(v uint32) {
	if d.state.queueSel != 0 {
		return
	}

	if v == 0 || v > QueueNumMax || v&(v-1) != 0 {
		d.failDriver("bad queue size %d", v)
		return
	}

	d.state.queue.NumDesc = v
}

func (d *Device) writeQueueAddr(addr *uint64, v uint32, shift int) {
	if d.state.queueSel != 0 {
		return
	}

	if d.state.queue.Ready == 1 {
		d.failDriver("queue address write while the queue is ready")
		return
	}

	*addr = *addr&^(0xffffffff<<shift) | uint64(v)<<shift
}

func (d *Device) writeQueueReady(v uint32) error {
	if d.state.queueSel != 0 {
		return nil
	}

	switch v {
	case 0:
		d.state.queue.Ready = 0
		d.vq = nil

	case 1:
		return d.armQueue()

	default:
		d.failDriver("bad queue ready value %d", v)
	}

	return nil
}

// armQueue maps the selected queue's rings and brings the queue live.
// The driver must have negotiated features and registered the queue's
// size and area addresses first.
func (d *Device) armQueue() error {
	if !d.featuresLatched() {
		d.failDriver("queue armed before FEATURES_OK")
		return nil
	}

	if d.state.queue.Ready == 1 {
		d.failDriver("queue armed twice")
		return nil
	}

	qs := &d.state.queue
	if qs.NumDesc == 0 || qs.DescAddr == 0 || qs.DriverAddr == 0 || qs.DeviceAddr == 0 {
		d.failDriver("queue armed before its size and addresses are set")
		return nil
	}

	num := int(qs.NumDesc)

	desc, err := d.memAt(qs.DescAddr, virtq.DescTableBytes(num))
	if err != nil {
		return fmt.Errorf("desc area at 0x%x: %w", qs.DescAddr, err)
	}

	avail, err := d.memAt(qs.DriverAddr, virtq.AvailRingBytes(num))
	if err != nil {
		return fmt.Errorf("driver area at 0x%x: %w", qs.DriverAddr, err)
	}

	used, err := d.memAt(qs.DeviceAddr, virtq.UsedRingBytes(num))
	if err != nil {
		return fmt.Errorf("device area at 0x%x: %w", qs.DeviceAddr, err)
	}

	d.vq = virtq.New(desc, avail, used, virtq.Config{
		MemAt: d.memAt,

		// runs during a drain with d.mu held
		Notify: func() error {
			d.state.intStatus |= intStatusUsedBuffer
			d.raise = true
			return nil
		},
	})

	qs.Ready = 1
	return nil
}

// writeQueueNotify drains the queue. The interrupt line is raised at
// most once per drain, after the last used entry is published.
func (d *Device) writeQueueNotify(v uint32) error {
	if v != 0 || !d.isOperating() || d.vq == nil {
		return nil
	}

	if err := d.handler.Handle(int(v), d.vq); err != nil {
		return fmt.Errorf("handle queue %d: %w", v, err)
	}

	if d.raise {
		d.raise = false
		if err := d.notify(); err != nil {
			return fmt.Errorf("raise interrupt: %w", err)
		}
	}

	return nil
}

// failDriver marks the device FAILED in response to a driver protocol
// violation. The device stops processing until the driver resets it.
func (d *Device) failDriver(format string, args ...any) {
	slog.Error("virtio driver fault", "type", d.handler.GetType(),
		"err", fmt.Sprintf(format, args...))
	d.state.status |= virtio.StatusFailed
}

func (d *Device) getFeatures() uint64 {
	return virtio.RequiredFeatures | d.handler.GetFeatures()
}

func (d *Device) featuresLatched() bool {
	return d.state.status&virtio.StatusFeaturesOK != 0
}

func (d *Device) isOperating() bool {
	return d.state.status&virtio.StatusDriverOK != 0
}

func (d *Device) isFailed() bool {
	return d.state.status&(virtio.StatusNeedsReset|virtio.StatusFailed) != 0
}

func leUint(p []byte) uint64 {
	switch len(p) {
	case 1:
		return uint64(p[0])
	case 2:
		return uint64(le.Uint16(p))
	case 4:
		return uint64(le.Uint32(p))
	default:
		return le.Uint64(p)
	}
}

func putLeUint(p []byte, v uint64) {
	switch len(p) {
	case 1:
		p[0] = byte(v)
	case 2:
		le.PutUint16(p, uint16(v))
	case 4:
		le.PutUint32(p, uint32(v))
	default:
		le.PutUint64(p, v)
	}
}
