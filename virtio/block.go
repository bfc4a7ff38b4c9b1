package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/c35s/visor/virtio/virtq"
)

// SectorSize is the unit of block device addressing.
const SectorSize = 512

// Block configures a virtio block device with pluggable storage.
type Block struct {

	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// Serial identifies the disk to the guest. It is truncated to 20
	// bytes. If empty, a random serial is generated.
	Serial string

	// Storage is the backing storage for the device. Storage may also
	// implement the io.WriterAt interface to enable writes.
	Storage BlockStorage
}

// BlockStorage is the basic interface to a block device's backing storage. It is
// read-only: To enable writes, storage types should also implement io.WriterAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is read-only block storage backed by an HTTP URL.
// The server must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string
}

// blockHandler services requests for one configured block device.
type blockHandler struct {
	storage  BlockStorage
	writerAt io.WriterAt
	serial   [20]byte
	capacity uint64 // sectors
}

// blkConfig has the same fields as struct virtio_blk_config.
type blkConfig struct {
	// 	le64 capacity;
	Capacity uint64 // expressed in 512-byte sectors
	// 	le32 size_max;
	SizeMax uint32
	// 	le32 seg_max;
	SegMax uint32
	// 	struct virtio_blk_geometry {
	// 			le16 cylinders;
	// 			u8 heads;
	// 			u8 sectors;
	// 	} geometry;
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	// 	le32 blk_size;
	BlkSize uint32
	// 	struct virtio_blk_topology {
	// 			// # of logical blocks per physical block (log2)
	// 			u8 physical_block_exp;
	// 			// offset of first aligned logical block
	// 			u8 alignment_offset;
	// 			// suggested minimum I/O size in blocks
	// 			le16 min_io_size;
	// 			// optimal (suggested maximum) I/O size in blocks
	// 			le32 opt_io_size;
	// 	} topology;
	Topology struct {
		PhysicalBlockExp uint8
		AlignmentOffset  uint8
		MinIOSize        uint16
		OptIOSize        uint32
	}
	// 	u8 writeback;
	Writeback uint8
	// u8 unused0;
	_ byte
	// u16 num_queues;
	NumQueues uint16
	// 	le32 max_discard_sectors;
	MaxDiscardSectors uint32
	// 	le32 max_discard_seg;
	MaxDiscardSeg uint32
	// 	le32 discard_sector_alignment;
	DiscardSectorAlignment uint32
	// 	le32 max_write_zeroes_sectors;
	MaxWriteZeroesSectors uint32
	// 	le32 max_write_zeroes_seg;
	MaxWriteZeroesSeg uint32
	// 	u8 write_zeroes_may_unmap;
	WriteZeroesMayUnmap uint8
	// 	u8 unused1[3];
	_ [3]byte
	// le32 max_secure_erase_sectors;
	MaxSecureEraseSectors uint32
	// le32 max_secure_erase_seg;
	MaxSecureEraseSeg uint32
	// le32 secure_erase_sector_alignment;
	SecureEraseSectorAlignment uint32
	// };
}

// features

const (
	blkFSizeMax     = 1 << 1  // max size of any single segment is in size_max
	blkFSegMax      = 1 << 2  // max number of segments in a request is in seg_max
	blkFGeometry    = 1 << 4  // disk-style geometry specified in geometry
	blkFRO          = 1 << 5  // device is read-only
	blkFBlkSize     = 1 << 6  // block size of disk is in blk_size
	blkFFlush       = 1 << 9  // cache flush command support
	blkFTopology    = 1 << 10 // device exports information on optimal I/O alignment
	blkFConfigWCE   = 1 << 11 // device can toggle its cache between writeback and writethrough modes
	blkFMQ          = 1 << 12 // device supports multiqueue
	blkFDiscard     = 1 << 13 // max discard sectors size in max_discard_sectors and max discard segment number in max_discard_seg
	blkFWriteZeroes = 1 << 14 // max write zeroes sectors size in max_write_zeroes_sectors and max write zeroes segment number in max_write_zeroes_seg
	blkFLifetime    = 1 << 15 // device supports providing storage lifetime information
	blkFSecureErase = 1 << 16 // device supports secure erase command, maximum erase sectors count in max_secure_erase_sectors and maximum erase segment number in max_secure_erase_seg
)

// op type

const (
	blkTIn          = 0
	blkTOut         = 1
	blkTFlush       = 4
	blkTGetID       = 8
	blkTGetLifetime = 10
	blkTDiscard     = 11
	blkTWriteZeroes = 13
	blkTSecureErase = 14
)

// op status

const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// NewHandler validates the configuration and returns a handler for the
// device. The storage size must be a whole number of sectors.
func (cfg *Block) NewHandler() (DeviceHandler, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("block device has no storage")
	}

	sz, err := cfg.Storage.Size()
	if err != nil {
		return nil, fmt.Errorf("block storage size: %w", err)
	}

	if sz%SectorSize != 0 {
		return nil, fmt.Errorf("block storage size %d is not a whole number of sectors", sz)
	}

	h := &blockHandler{
		storage:  cfg.Storage,
		capacity: uint64(sz / SectorSize),
	}

	serial := cfg.Serial
	if serial == "" {
		serial = uuid.NewString()
	}

	copy(h.serial[:], serial)

	if !cfg.ReadOnly {
		h.writerAt, _ = cfg.Storage.(io.WriterAt)
	}

	return h, nil
}

func (h *blockHandler) GetType() DeviceID {
	return BlockDeviceID
}

func (h *blockHandler) GetFeatures() (features uint64) {
	if h.writerAt == nil {
		return blkFRO
	}

	return
}

func (h *blockHandler) Ready(negotiatedFeatures uint64) error {
	if h.writerAt == nil && negotiatedFeatures&blkFRO == 0 {
		return fmt.Errorf("driver didn't accept that the device is read-only")
	}

	return nil
}

// Handle drains the request queue. Request-level failures (a short or
// misdirected buffer, an out-of-range sector, a storage error) are
// reported to the driver in the request's status byte and don't stop
// the drain. An unwalkable chain or a guest memory violation does.
func (h *blockHandler) Handle(queueNum int, q *virtq.Q) error {
	if queueNum != 0 {
		return fmt.Errorf("block device has no queue %d", queueNum)
	}

	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		if err := h.handleReq(c); err != nil {
			return err
		}
	}
}

// handleReq executes one request chain and publishes its used entry.
// The written length counts every byte stored to device-writable
// descriptors, including the status byte.
func (h *blockHandler) handleReq(c *virtq.Chain) error {
	nd := len(c.Desc)
	if nd < 2 {
		return fmt.Errorf("block request chain has %d descriptors", nd)
	}

	if last := c.Desc[nd-1]; !last.IsWO() || last.Len != 1 {
		return fmt.Errorf("block request status descriptor is not a writable byte")
	}

	status, err := c.Buf(nd - 1)
	if err != nil {
		return err
	}

	n, st, err := h.execute(c)
	if err != nil {
		return err
	}

	status[0] = st
	return c.Release(n + 1)
}

func (h *blockHandler) execute(c *virtq.Chain) (n int, status byte, err error) {
	hdr, err := c.Buf(0)
	if err != nil {
		return 0, 0, err
	}

	if !c.Desc[0].IsRO() || len(hdr) != 16 {
		slog.Error("block request header is unreadable", "len", len(hdr))
		return 0, blkSIOErr, nil
	}

	var (
		optype = binary.LittleEndian.Uint32(hdr)
		sector = binary.LittleEndian.Uint64(hdr[8:])
	)

	switch optype {
	case blkTIn:
		return h.readSectors(c, sector)

	case blkTOut:
		if h.writerAt == nil {
			return 0, blkSUnsupp, nil
		}

		return h.writeSectors(c, sector)

	case blkTGetID:
		return h.readID(c)

	default:
		return 0, blkSUnsupp, nil
	}
}

// readSectors copies sectors from storage into the request's data
// descriptors, which must all be device-writable.
func (h *blockHandler) readSectors(c *virtq.Chain, sector uint64) (n int, status byte, err error) {
	if !h.validRange(c, sector, virtq.Desc.IsWO) {
		return 0, blkSIOErr, nil
	}

	pos := int64(sector) * SectorSize
	for i := 1; i < len(c.Desc)-1; i++ {
		buf, err := c.Buf(i)
		if err != nil {
			return 0, 0, err
		}

		m, err := h.storage.ReadAt(buf, pos)
		if err != nil {
			slog.Error("block read failed", "sector", sector, "err", err)
			return n, blkSIOErr, nil
		}

		pos += int64(m)
		n += m
	}

	return n, blkSOK, nil
}

// writeSectors copies the request's data descriptors, which must all
// be device-readable, into storage.
func (h *blockHandler) writeSectors(c *virtq.Chain, sector uint64) (n int, status byte, err error) {
	if !h.validRange(c, sector, virtq.Desc.IsRO) {
		return 0, blkSIOErr, nil
	}

	pos := int64(sector) * SectorSize
	for i := 1; i < len(c.Desc)-1; i++ {
		buf, err := c.Buf(i)
		if err != nil {
			return 0, 0, err
		}

		m, err := h.writerAt.WriteAt(buf, pos)
		if err != nil {
			slog.Error("block write failed", "sector", sector, "err", err)
			return 0, blkSIOErr, nil
		}

		pos += int64(m)
	}

	return 0, blkSOK, nil
}

// readID writes the device serial into the request's data descriptors.
func (h *blockHandler) readID(c *virtq.Chain) (n int, status byte, err error) {
	id := h.serial[:]
	for i := 1; i < len(c.Desc)-1 && len(id) > 0; i++ {
		if !c.Desc[i].IsWO() {
			return 0, blkSIOErr, nil
		}

		buf, err := c.Buf(i)
		if err != nil {
			return 0, 0, err
		}

		m := copy(buf, id)
		id = id[m:]
		n += m
	}

	return n, blkSOK, nil
}

// validRange reports whether the request's data descriptors all point
// the right way, total a whole number of sectors, and fall inside the
// device's capacity.
func (h *blockHandler) validRange(c *virtq.Chain, sector uint64, ok func(virtq.Desc) bool) bool {
	var total uint64
	for _, d := range c.Desc[1 : len(c.Desc)-1] {
		if !ok(d) {
			return false
		}

		total += uint64(d.Len)
	}

	if total%SectorSize != 0 {
		return false
	}

	nsec := total / SectorSize
	return sector <= h.capacity && nsec <= h.capacity-sector
}

func (h *blockHandler) ReadConfig(p []byte, off int) error {
	cfg, err := h.getConfig()
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off < 0 || off > len(raw) {
		return fmt.Errorf("block config read at %d is out of range", off)
	}

	copy(p, raw[off:])
	return nil
}

// WriteConfig ignores writes: every block config field is read-only
// for the guest.
func (h *blockHandler) WriteConfig(p []byte, off int) error {
	return nil
}

func (h *blockHandler) getConfig() (*blkConfig, error) {
	sz, err := h.storage.Size()
	if err != nil {
		return nil, err
	}

	cfg := blkConfig{
		Capacity: uint64(sz / SectorSize),
	}

	return &cfg, nil
}

// ReadAt copies from the backing slice at off into p. It returns
// io.EOF if the read runs past the end of the slice.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	n = copy(p, ms.Bytes[off:])
	if n < len(p) {
		err = io.EOF
	}

	return
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off. It returns
// io.ErrShortWrite if the write runs past the end of the slice.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > int64(len(ms.Bytes)) {
		return 0, io.ErrShortWrite
	}

	n = copy(ms.Bytes[off:], p)
	if n < len(p) {
		err = io.ErrShortWrite
	}

	return
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block device http request failed: GET %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	return io.ReadFull(res.Body, p)
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block device http request failed: HEAD %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}
