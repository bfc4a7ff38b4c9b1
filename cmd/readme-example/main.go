package main

import (
	"fmt"

	"github.com/c35s/visor/virtio"
	"github.com/c35s/visor/virtio/blkdrv"
	"github.com/c35s/visor/vmm"
)

func main() {
	img := make([]byte, 16*virtio.SectorSize)

	m, err := vmm.New(vmm.Config{
		Devices: []virtio.DeviceConfig{
			&virtio.Block{
				Serial:  "readme",
				Storage: &virtio.MemStorage{Bytes: img},
			},
		},
	})

	if err != nil {
		panic(err)
	}

	defer m.Close()

	disk, err := blkdrv.Attach(m, 0)
	if err != nil {
		panic(err)
	}

	hello := make([]byte, virtio.SectorSize)
	copy(hello, "hello from the guest side")

	if err := disk.Write(0, hello); err != nil {
		panic(err)
	}

	got := make([]byte, virtio.SectorSize)
	if err := disk.Read(0, got); err != nil {
		panic(err)
	}

	id, err := disk.ID()
	if err != nil {
		panic(err)
	}

	fmt.Printf("disk %q: %d sectors, sector 0 starts %q\n",
		id, disk.Capacity(), got[:25])
}
