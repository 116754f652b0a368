// Package iso14443a implements the ISO14443-3 Type A polling,
// anticollision and selection protocol on top of a frame level Reader.
package iso14443a

import "errors"

// Reader transceives ISO14443A frames.
type Reader interface {
	// Transceive transmits tx as described by f and receives the
	// response into rx. It returns the number of valid bits in rx.
	// Standard frames have their CRC appended and checked by the
	// reader; the returned bits never include it.
	Transceive(f Frame, tx, rx []byte) (int, error)
}

// FrameSizer is implemented by readers that can't receive frames of
// any size.
type FrameSizer interface {
	// MaxFrameSize returns the largest frame the reader can receive,
	// including the CRC.
	MaxFrameSize() int
}

// FrameKind identifies the frame type.
type FrameKind int

const (
	// ReqA is a short frame with the REQA command. tx is ignored.
	ReqA FrameKind = iota
	// WupA is a short frame with the WUPA command. tx is ignored.
	WupA
	// Anticoll is a bit oriented anticollision frame without CRC.
	Anticoll
	// Standard is a frame with CRC.
	Standard
)

func (k FrameKind) String() string {
	switch k {
	case ReqA:
		return "REQA"
	case WupA:
		return "WUPA"
	case Anticoll:
		return "anticollision"
	case Standard:
		return "standard"
	default:
		return "unknown"
	}
}

// Frame describes a frame to transmit.
type Frame struct {
	Kind FrameKind
	// Bits is the number of bits of tx to transmit in Anticoll
	// frames.
	Bits int
	// Timeout is the frame waiting time of Standard frames, in
	// carrier cycles (1/fc).
	Timeout uint32
}

// Frame waiting time bounds, in carrier cycles.
const (
	// DefaultFWT is the frame waiting time for FWI = 4.
	DefaultFWT = 256 * 16 << 4
	// MaxFWI is the largest valid frame waiting time integer.
	MaxFWI = 14
)

// FWT converts a frame waiting time integer to carrier cycles.
func FWT(fwi int) uint32 {
	fwi = min(max(fwi, 0), MaxFWI)
	return 256 * 16 << fwi
}

var (
	// ErrTimeout is returned when no response was received.
	ErrTimeout = errors.New("iso14443a: no response")

	ErrFraming               = errors.New("iso14443a: framing error")
	ErrLastByteMissingParity = errors.New("iso14443a: last byte missing parity")
	ErrParity                = errors.New("iso14443a: parity error")
	ErrCRC                   = errors.New("iso14443a: CRC error")
	ErrCollision             = errors.New("iso14443a: collision")
	ErrResponseTooShort      = errors.New("iso14443a: response too short")
	ErrResponseTooLong       = errors.New("iso14443a: response too long")
	ErrFIFOOverflow          = errors.New("iso14443a: FIFO overflow")
	ErrFIFOUnderflow         = errors.New("iso14443a: FIFO underflow")

	ErrBCC    = errors.New("iso14443a: BCC mismatch")
	ErrSelect = errors.New("iso14443a: select failed")
)

// IsCorruption reports whether err reports a corrupted response as
// opposed to a missing response or a reader failure.
func IsCorruption(err error) bool {
	for _, e := range []error{
		ErrFraming, ErrLastByteMissingParity, ErrParity, ErrCRC,
		ErrCollision, ErrResponseTooShort, ErrResponseTooLong,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
