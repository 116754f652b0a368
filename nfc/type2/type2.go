// package type2 implements the NFC Forum type 2 read protocol on top of
// a selected ISO14443A card.
package type2

import (
	"errors"
	"fmt"
	"io"
)

// Tag is a selected type 2 tag.
type Tag interface {
	// Transceive exchanges a frame with CRC and returns the number of
	// bytes received.
	Transceive(tx, rx []byte) (int, error)
}

// Reader implements a NFC Forum type 2 reader.
type Reader struct {
	tag       Tag
	block     int
	memBlocks int
	scratch   [readSize]byte
}

// ErrFormat is returned for tags without a valid capability
// container.
var ErrFormat = errors.New("type2: tag not formatted")

// Recognized reports whether the SAK of a selected card announces a
// type 2 tag.
func Recognized(sak byte) bool {
	return (sak>>5)&0b11 == 0b00
}

// NewReader reads the capability container of the tag.
func NewReader(tag Tag) (*Reader, error) {
	r := &Reader{
		tag: tag,
	}
	memBlocks, err := r.readCC()
	if err != nil {
		return nil, fmt.Errorf("type2: %w", err)
	}
	r.memBlocks = memBlocks
	return r, nil
}

func (r *Reader) readCC() (int, error) {
	cc := r.scratch[:readSize]
	if _, err := r.read(ccBlock, cc); err != nil {
		return 0, fmt.Errorf("cc: %w", err)
	}
	if magic := cc[0]; magic != ccMagic {
		return 0, fmt.Errorf("cc: invalid magic %#02x: %w", magic, ErrFormat)
	}
	memBlocks := int(cc[2]) * 8 / blockSize
	// READ addresses the first sector only.
	memBlocks = min(memBlocks, maxBlocks)
	return memBlocks, nil
}

// Size returns the size of the user memory in bytes.
func (r *Reader) Size() int {
	return r.memBlocks * blockSize
}

// Read from the tag user memory. The buffer must be at least
// 16 bytes long.
func (r *Reader) Read(rx []byte) (int, error) {
	if r.block == r.memBlocks {
		return 0, io.EOF
	}
	if len(rx) < readSize {
		return 0, io.ErrShortBuffer
	}
	bno := byte(r.block + ccBlock + 1)
	n, err := r.read(bno, rx[:readSize])
	if err != nil {
		return 0, fmt.Errorf("type2: read: %w", err)
	}
	// Trim reads that go beyond the end block.
	nblocks := n / blockSize
	r.block += nblocks
	rem := max(0, r.block-r.memBlocks)
	r.block -= rem
	n -= rem * blockSize
	if r.block == r.memBlocks {
		return n, io.EOF
	}
	return n, nil
}

// read issues a READ command for 4 blocks starting at block.
func (r *Reader) read(block byte, rx []byte) (int, error) {
	req := [...]byte{cmdRead, block}
	n, err := r.tag.Transceive(req[:], rx)
	if err != nil {
		return 0, err
	}
	if n < readSize {
		return 0, fmt.Errorf("block %d: short read of %d bytes", block, n)
	}
	return n, nil
}

const (
	cmdRead = 0x30

	// blockSize in bytes.
	blockSize = 4
	// The start page of user memory.
	ccBlock = 3
	// maxBlocks is the number of user blocks in sector 0.
	maxBlocks = 256 - ccBlock - 1
	// The number of bytes returned from a read
	// operation.
	readSize = 16

	ccMagic = 0xe1
)
