// Package isodep implements the ISO14443-4 (ISO-DEP) half-duplex block
// transmission protocol for Type A cards.
//
// Only I-blocks without chaining, S(WTX) and S(DESELECT) are
// supported.
package isodep

import (
	"errors"
	"fmt"
)

// Tag is a selected ISO14443A card.
type Tag interface {
	// Transceive exchanges a frame with CRC and returns the number
	// of bytes received, excluding the CRC.
	Transceive(tx, rx []byte) (int, error)
}

// FrameWaiter is implemented by tags with an adjustable frame waiting
// time, in carrier cycles (1/fc).
type FrameWaiter interface {
	SetFrameWaitTime(fc uint32)
	FrameWaitTime() uint32
}

// FrameSizer is implemented by tags that can't receive frames of any
// size. A MaxFrameSize of 0 means no limit.
type FrameSizer interface {
	MaxFrameSize() int
}

// Session is an activated ISO-DEP card.
type Session struct {
	tag Tag
	// fsc is the maximum frame size accepted by the card,
	// including the header and CRC.
	fsc int
	// fsd is the maximum frame size announced to the card.
	fsd int
	// spin is the block number bit of the next I-block.
	spin byte

	buf [maxFrameSize]byte
}

var (
	ErrProtocol         = errors.New("isodep: protocol error")
	ErrTxFrameTooBig    = errors.New("isodep: transmit frame too big")
	ErrRxFrameTooBig    = errors.New("isodep: receive frame too big")
	ErrUnsupportedBlock = errors.New("isodep: unsupported block")
)

const (
	cmdRATS = 0xe0

	pcbIBlock   = 0x02
	pcbWTX      = 0xf2
	pcbDeselect = 0xc2

	// wtxmMask extracts the waiting time extension multiplier.
	wtxmMask = 0x3f

	// Header byte and two CRC bytes.
	frameOverhead = 1 + 2

	// maxFrameSize is the largest FSD.
	maxFrameSize = 256

	// T0 bits announcing interface bytes.
	t0TA = 0b1 << 4
	t0TB = 0b1 << 5
	t0TC = 0b1 << 6

	// maxFWI is the largest valid frame waiting time integer.
	maxFWI = 14
)

// fscTable maps FSCI to the maximum frame size (table 66).
var fscTable = [...]int{16, 24, 32, 40, 48, 64, 96, 128, 256}

// FSC converts a frame size integer to the maximum frame size.
func FSC(fsci int) (int, error) {
	if fsci < 0 || fsci >= len(fscTable) {
		return 0, fmt.Errorf("isodep: FSCI %d: %w", fsci, ErrProtocol)
	}
	return fscTable[fsci], nil
}

// New activates the card by sending RATS and parsing the ATS. The
// announced FSD is the largest that fits the frame size of the tag,
// if limited.
func New(tag Tag) (*Session, error) {
	fsdi := fsdIndex(tag)
	s := &Session{tag: tag, fsd: fscTable[fsdi]}
	// CID 0.
	param := byte(fsdi) << 4
	n, err := tag.Transceive([]byte{cmdRATS, param}, s.buf[:])
	if err != nil {
		return nil, fmt.Errorf("isodep: RATS: %w", err)
	}
	ats := s.buf[:n]
	if len(ats) < 2 {
		return nil, fmt.Errorf("isodep: ATS %x: %w", ats, ErrProtocol)
	}
	t0 := ats[1]
	fsc, err := FSC(int(t0 & 0x0f))
	if err != nil {
		return nil, err
	}
	s.fsc = fsc
	if fwi, ok := parseFWI(ats); ok {
		if fw, ok := tag.(FrameWaiter); ok {
			fw.SetFrameWaitTime(fwt(fwi))
		}
	}
	return s, nil
}

// fsdIndex returns the largest frame size integer that fits the tag.
func fsdIndex(tag Tag) int {
	limit := maxFrameSize
	if fs, ok := tag.(FrameSizer); ok && fs.MaxFrameSize() > 0 {
		limit = min(limit, fs.MaxFrameSize())
	}
	fsdi := 0
	for i, size := range fscTable {
		if size <= limit {
			fsdi = i
		}
	}
	return fsdi
}

// parseFWI extracts the frame waiting time integer from the TB(1)
// interface byte, if present.
func parseFWI(ats []byte) (int, bool) {
	t0 := ats[1]
	if t0&t0TB == 0 {
		return 0, false
	}
	idx := 2
	if t0&t0TA != 0 {
		idx++
	}
	if idx >= len(ats) {
		return 0, false
	}
	fwi := int(ats[idx] >> 4)
	if fwi > maxFWI {
		return 0, false
	}
	return fwi, true
}

func fwt(fwi int) uint32 {
	return 256 * 16 << fwi
}

// FSC returns the maximum frame size accepted by the card.
func (s *Session) FSC() int {
	return s.fsc
}

// FSD returns the maximum frame size announced to the card, including
// the header and CRC.
func (s *Session) FSD() int {
	return s.fsd
}

// Transceive sends tx in an I-block and returns the number of payload
// bytes received into rx. Waiting time extension requests from the
// card are honoured transparently.
func (s *Session) Transceive(tx, rx []byte) (int, error) {
	// The header and CRC count against the frame size.
	if len(tx)+frameOverhead > s.fsc {
		return 0, fmt.Errorf("isodep: %d bytes, FSC %d: %w", len(tx), s.fsc, ErrTxFrameTooBig)
	}
	pcb := byte(pcbIBlock) | s.spin
	req := append(s.buf[:0], pcb)
	req = append(req, tx...)
	resp, err := s.exchange(req)
	if err != nil {
		return 0, err
	}
	if resp[0] != pcb {
		return 0, fmt.Errorf("isodep: block %#02x: %w", resp[0], ErrUnsupportedBlock)
	}
	payload := resp[1:]
	if len(payload) > len(rx) {
		return 0, fmt.Errorf("isodep: %d bytes: %w", len(payload), ErrRxFrameTooBig)
	}
	s.spin ^= 1
	return copy(rx, payload), nil
}

// exchange transmits a block, answering waiting time extension requests
// until another block is received. The returned block aliases s.buf.
func (s *Session) exchange(req []byte) ([]byte, error) {
	var tmp [maxFrameSize]byte
	tx := tmp[:copy(tmp[:], req)]
	fw, hasFWT := s.tag.(FrameWaiter)
	var base uint32
	if hasFWT {
		base = fw.FrameWaitTime()
		defer fw.SetFrameWaitTime(base)
	}
	for {
		n, err := s.tag.Transceive(tx, s.buf[:])
		if err != nil {
			return nil, fmt.Errorf("isodep: %w", err)
		}
		resp := s.buf[:n]
		if len(resp) == 0 {
			return nil, fmt.Errorf("isodep: empty block: %w", ErrProtocol)
		}
		if resp[0] != pcbWTX {
			return resp, nil
		}
		if len(resp) != 2 {
			return nil, fmt.Errorf("isodep: S(WTX) %x: %w", resp, ErrProtocol)
		}
		wtxm := resp[1] & wtxmMask
		if hasFWT {
			fw.SetFrameWaitTime(base * uint32(max(wtxm, 1)))
		}
		tx = append(tmp[:0], pcbWTX, wtxm)
	}
}

// Deselect sends S(DESELECT), putting the card in the HALT state.
func (s *Session) Deselect() error {
	n, err := s.tag.Transceive([]byte{pcbDeselect}, s.buf[:])
	if err != nil {
		return fmt.Errorf("isodep: deselect: %w", err)
	}
	if n != 1 || s.buf[0] != pcbDeselect {
		return fmt.Errorf("isodep: deselect: response %x: %w", s.buf[:n], ErrProtocol)
	}
	return nil
}
