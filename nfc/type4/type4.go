// package type4 implements reading the NDEF file of NFC Forum Type 4
// tags.
package type4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Transceiver exchanges APDUs with an activated ISO-DEP card, such as
// an isodep.Session.
type Transceiver interface {
	Transceive(tx, rx []byte) (int, error)
}

// FrameSizer is implemented by transceivers that announce a maximum
// received frame size to the card, such as isodep.Session.
type FrameSizer interface {
	// FSD returns the size including the ISO-DEP header and CRC.
	FSD() int
}

// Reader reads the NDEF message of a tag.
type Reader struct {
	t Transceiver
	// maxRead is the largest ReadBinary response.
	maxRead int
	size    int
	off     int

	buf [maxFrameSize]byte
}

// StatusError is an unexpected APDU status word.
type StatusError uint16

func (s StatusError) Error() string {
	return fmt.Sprintf("type4: status %#04x", uint16(s))
}

var (
	// ErrFormat is returned for tags without a readable NDEF file.
	ErrFormat = errors.New("type4: no readable NDEF file")
)

const (
	// Frame size announced to the card, including the ISO-DEP header
	// and CRC.
	maxFrameSize = 256
	// frameOverhead is the ISO-DEP header, the status word and the
	// CRC around a response payload.
	frameOverhead = 1 + 2 + 2
	// maxAPDUData is the largest response payload that fits a frame.
	maxAPDUData = maxFrameSize - frameOverhead

	isodepMAPPING_VERSION = 0x20
	isodepCLA             = 0x00 // The only CLA we support.
	isodepSELECT          = 0xa4
	isodepREAD            = 0xb0

	// NDEF file control TLV (5.1.2.1).
	ccNDEFTLV = 0x04
	ccSize    = 15
	// Read access granted without security.
	ccReadAccess = 0x00

	swOK = 0x9000
)

var (
	bo = binary.BigEndian

	// NFC Forum Type 4 Tag commands.
	isodepTAG_SELECT = []byte{isodepSELECT, 0x04, 0x00, 0x07, 0xd2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01, 0x00}
	isodepCC_SELECT  = []byte{isodepSELECT, 0x00, 0x0c, 0x02, 0xe1, 0x03}
)

// NewReader selects the NDEF application, reads the capability
// container and selects the NDEF file.
func NewReader(t Transceiver) (*Reader, error) {
	r := &Reader{t: t}
	if err := r.init(); err != nil {
		return nil, fmt.Errorf("type4: %w", err)
	}
	return r, nil
}

func (r *Reader) init() error {
	if _, err := r.command(isodepTAG_SELECT); err != nil {
		return fmt.Errorf("select application: %w", err)
	}
	if _, err := r.command(isodepCC_SELECT); err != nil {
		return fmt.Errorf("select capability container: %w", err)
	}
	cc, err := r.readBinary(0, ccSize)
	if err != nil {
		return fmt.Errorf("capability container: %w", err)
	}
	if len(cc) < ccSize {
		return fmt.Errorf("capability container %x: %w", cc, ErrFormat)
	}
	if v := cc[2]; v>>4 != isodepMAPPING_VERSION>>4 && v>>4 != 3 {
		return fmt.Errorf("unsupported mapping version %#02x: %w", v, ErrFormat)
	}
	mle := int(bo.Uint16(cc[3:]))
	if cc[7] != ccNDEFTLV || cc[8] < 6 {
		return fmt.Errorf("capability container %x: %w", cc, ErrFormat)
	}
	fileID := bo.Uint16(cc[9:])
	maxSize := int(bo.Uint16(cc[11:]))
	if cc[13] != ccReadAccess {
		return fmt.Errorf("read access %#02x: %w", cc[13], ErrFormat)
	}
	r.maxRead = min(max(mle, 1), maxAPDUData)
	if fs, ok := r.t.(FrameSizer); ok {
		r.maxRead = max(min(r.maxRead, fs.FSD()-frameOverhead), 1)
	}

	sel := []byte{isodepSELECT, 0x00, 0x0c, 0x02}
	sel = bo.AppendUint16(sel, fileID)
	if _, err := r.command(sel); err != nil {
		return fmt.Errorf("select NDEF file %#04x: %w", fileID, err)
	}
	nlen, err := r.readBinary(0, 2)
	if err != nil {
		return fmt.Errorf("NDEF length: %w", err)
	}
	if len(nlen) < 2 {
		return fmt.Errorf("NDEF length %x: %w", nlen, ErrFormat)
	}
	r.size = int(bo.Uint16(nlen))
	if r.size > maxSize-2 && maxSize >= 2 {
		return fmt.Errorf("NDEF length %d exceeds file size %d: %w", r.size, maxSize, ErrFormat)
	}
	return nil
}

// Size returns the length of the NDEF message.
func (r *Reader) Size() int {
	return r.size
}

// Read the NDEF message.
func (r *Reader) Read(p []byte) (int, error) {
	if r.off == r.size {
		return 0, io.EOF
	}
	n := min(len(p), r.maxRead, r.size-r.off)
	if n == 0 {
		return 0, nil
	}
	// The message follows the 2 byte length.
	data, err := r.readBinary(2+r.off, n)
	if err != nil {
		return 0, fmt.Errorf("type4: read: %w", err)
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("type4: read: empty response: %w", io.ErrUnexpectedEOF)
	}
	n = copy(p, data)
	r.off += n
	return n, nil
}

func (r *Reader) readBinary(off, size int) ([]byte, error) {
	if off > 0x7fff {
		return nil, fmt.Errorf("offset %d out of range", off)
	}
	req := []byte{isodepREAD}
	req = bo.AppendUint16(req, uint16(off))
	req = append(req, byte(size))
	return r.command(req)
}

// command sends an APDU and returns the response data without the
// status word.
func (r *Reader) command(apdu []byte) ([]byte, error) {
	var req [maxFrameSize]byte
	tx := append(req[:0], isodepCLA)
	tx = append(tx, apdu...)
	n, err := r.t.Transceive(tx, r.buf[:])
	if err != nil {
		return nil, err
	}
	resp := r.buf[:n]
	if len(resp) < 2 {
		return nil, fmt.Errorf("response %x: %w", resp, ErrFormat)
	}
	data, sw := resp[:len(resp)-2], bo.Uint16(resp[len(resp)-2:])
	if sw != swOK {
		return nil, StatusError(sw)
	}
	return data, nil
}
