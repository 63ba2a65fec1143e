package imagestore

import (
	"encoding/binary"
	"fmt"
	"io"
)

// On-disk layout of an image:
//
//	[0, headerSize)            header
//	[headerSize, dataOffset)   block map: one little-endian uint32 per
//	                           logical block, 0 when the image has no copy,
//	                           else the 1-based data slot
//	[dataOffset, ...)          data slots of blockSize bytes, append only
const (
	headerSize    = 4096
	maxParentPath = headerSize - fixedHeaderLen
	mapAlign      = 4096

	fixedHeaderLen = 8 + 4 + 4 + 8 + 4 + 4 + 2
)

var magic = [8]byte{'V', 'S', 'I', 'M', 'G', 0, 0, 1}

// header is the fixed part of an image file.
type header struct {
	BlockSize   uint32
	Flags       uint32
	LogicalSize uint64
	BlockCount  uint32
	Slots       uint32
	Parent      string
}

func (h *header) dataOffset() int64 {
	end := int64(headerSize) + 4*int64(h.BlockCount)
	return (end + mapAlign - 1) / mapAlign * mapAlign
}

func (h *header) slotOffset(slot uint32) int64 {
	return h.dataOffset() + int64(slot-1)*int64(h.BlockSize)
}

func (h *header) marshal() ([]byte, error) {
	if len(h.Parent) > maxParentPath {
		return nil, fmt.Errorf("parent path of %d bytes exceeds %d", len(h.Parent), maxParentPath)
	}
	buf := make([]byte, headerSize)
	copy(buf[0:8], magic[:])
	le := binary.LittleEndian
	le.PutUint32(buf[8:], h.BlockSize)
	le.PutUint32(buf[12:], h.Flags)
	le.PutUint64(buf[16:], h.LogicalSize)
	le.PutUint32(buf[24:], h.BlockCount)
	le.PutUint32(buf[28:], h.Slots)
	le.PutUint16(buf[32:], uint16(len(h.Parent)))
	copy(buf[fixedHeaderLen:], h.Parent)
	return buf, nil
}

func readHeader(r io.ReaderAt) (*header, error) {
	buf := make([]byte, headerSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if [8]byte(buf[0:8]) != magic {
		return nil, fmt.Errorf("not an image: bad magic %x", buf[0:8])
	}
	le := binary.LittleEndian
	h := &header{
		BlockSize:   le.Uint32(buf[8:]),
		Flags:       le.Uint32(buf[12:]),
		LogicalSize: le.Uint64(buf[16:]),
		BlockCount:  le.Uint32(buf[24:]),
		Slots:       le.Uint32(buf[28:]),
	}
	n := int(le.Uint16(buf[32:]))
	if n > maxParentPath {
		return nil, fmt.Errorf("corrupt header: parent length %d", n)
	}
	h.Parent = string(buf[fixedHeaderLen : fixedHeaderLen+n])
	if h.BlockSize == 0 {
		return nil, fmt.Errorf("corrupt header: zero block size")
	}
	return h, nil
}

func readBlockMap(r io.ReaderAt, h *header) ([]uint32, error) {
	raw := make([]byte, 4*int(h.BlockCount))
	if _, err := r.ReadAt(raw, headerSize); err != nil {
		return nil, fmt.Errorf("read block map: %w", err)
	}
	out := make([]uint32, h.BlockCount)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out, nil
}

func writeMapEntry(w io.WriterAt, block uint64, slot uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], slot)
	_, err := w.WriteAt(b[:], headerSize+4*int64(block))
	return err
}
