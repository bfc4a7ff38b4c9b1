package virtio

import (
	"fmt"

	"github.com/c35s/visor/virtio/virtq"
)

type DeviceConfig interface {
	NewHandler() (DeviceHandler, error)
}

type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns additional feature bits offered by the device.
	GetFeatures() uint64

	// Ready is called after feature negotiation is complete, when the
	// driver sets DRIVER_OK.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when the driver notifies queueNum. It runs on
	// the trap path, so the guest is stopped until it returns. Handle
	// drains the queue, releasing every chain it takes. Notifications
	// are coalesced, so Handle may find the queue empty.
	Handle(queueNum int, q *virtq.Q) error

	// ReadConfig reads the device configuration register at off into p.
	ReadConfig(p []byte, off int) error

	// WriteConfig writes p to the device configuration register at off.
	// The transport rejects config writes after feature negotiation, so
	// handlers only see them during setup.
	WriteConfig(p []byte, off int) error
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	SocketDeviceID  = DeviceID(19)
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2
)

// Device status bits. The driver sets StatusAcknowledge through
// StatusDriverOK as it brings the device up, or StatusFailed when it
// gives up. StatusNeedsReset is set only by the device.
const (
	StatusAcknowledge = 1   // recognized by the guest
	StatusDriver      = 2   // the guest has a driver
	StatusDriverOK    = 4   // ready to drive
	StatusFeaturesOK  = 8   // features negotiated
	StatusNeedsReset  = 64  // fatal device error
	StatusFailed      = 128 // fatal driver error
)

const (

	// FIndirectDesc (VIRTIO_F_INDIRECT_DESC) "indicates that the driver can use
	// descriptors with the VIRTQ_DESC_F_INDIRECT flag set, as described in 2.6.5.3
	// Indirect Descriptors and 2.7.7 Indirect Flag: Scatter-Gather Support."
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_F_EVENT_IDX) "enables the used_event and the avail_event fields
	// as described in 2.6.7, 2.6.8 and 2.7.10."
	FEventIdx = 1 << 29

	// FVersion1 (VIRTIO_F_VERSION_1) "indicates compliance with [the virtio]
	// specification, giving a simple way to detect legacy devices or drivers."
	FVersion1 = 1 << 32

	// FRingPacked (VIRTIO_F_RING_PACKED) "indicates support for the packed virtqueue
	// layout as described in 2.7 Packed Virtqueues."
	FRingPacked = 1 << 34

	// FRingReset (VIRTIO_F_RING_RESET) "indicates that the driver can reset a queue
	// individually. See 2.6.1."
	FRingReset = 1 << 40
)

// RequiredFeatures are the feature bits offered for all virtio devices.
// Only split virtqueues are supported, so no ring features are offered
// beyond VIRTIO_F_VERSION_1, and drivers must accept it.
const RequiredFeatures = FVersion1

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case SocketDeviceID:
		return "socket"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
