package st25r39

import (
	"fmt"
	"math"
	"time"

	"nfcdrv.dev/nfc/iso14443a"
)

// ISO14443A is the Device with the field on in ISO14443A initiator
// mode. It implements iso14443a.Reader.
type ISO14443A struct {
	d      *Device
	closed bool
}

// Frame timing adjustments in carrier cycles (1/fc).
const (
	// fdtMin is the minimum NFC-A listen frame delay time,
	// (9*128 + 84)/fc, relaxed by 3 etu for slow cards.
	fdtMin = 1236 + 384
	// fwtAdjust covers the jitter between TXE and the no-response
	// timer start.
	fwtAdjust = 64
	// fwtAAdjust covers a 4 bit length and half a bit of coherent
	// receiver delay.
	fwtAAdjust = 512 + 64
)

// receiveTimeout bounds the wait for the end of a reception. The
// no-response timer normally fires long before.
const receiveTimeout = 500 * time.Millisecond

// StartISO14443A switches the field on for ISO14443A communication.
// Close the returned session to switch the field off. Only one session
// may be active at a time.
func (d *Device) StartISO14443A() (*ISO14443A, error) {
	if d.session != nil {
		return nil, ErrBusy
	}
	if err := d.modeOn(); err != nil {
		return nil, fmt.Errorf("st25r39: start iso14443a: %w", err)
	}
	if err := d.fieldOn(); err != nil {
		if err2 := d.modeOff(); err2 != nil {
			d.log.Warn().Err(err2).Msg("failed to switch mode off")
		}
		return nil, fmt.Errorf("st25r39: start iso14443a: %w", err)
	}
	time.Sleep(d.conf.GuardTime)
	s := &ISO14443A{d: d}
	d.session = s
	return s, nil
}

// Close switches the field off. A failure is logged and returned.
func (s *ISO14443A) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.d.session = nil
	if err := s.d.modeOff(); err != nil {
		s.d.log.Warn().Err(err).Msg("failed to switch field off")
		return fmt.Errorf("st25r39: close: %w", err)
	}
	return nil
}

// MaxFrameSize implements iso14443a.FrameSizer. Received frames must
// fit the FIFO.
func (s *ISO14443A) MaxFrameSize() int {
	return fifoSize
}

// Transceive implements iso14443a.Reader.
func (s *ISO14443A) Transceive(f iso14443a.Frame, tx, rx []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.transceive(f, tx, rx)
	if err != nil {
		return 0, fmt.Errorf("st25r39: transceive: %w", err)
	}
	return n, nil
}

func (s *ISO14443A) transceive(f iso14443a.Frame, tx, rx []byte) (int, error) {
	d := s.d
	d.log.Debug().Stringer("frame", f.Kind).Hex("tx", tx).Msg("TX")

	if err := d.command(cmdStop); err != nil {
		return 0, err
	}
	if err := d.command(cmdResetRXGain); err != nil {
		return 0, err
	}

	var (
		raw      = true
		anticoll = false
		cmd      byte
		timeout  uint32 = fdtMin
	)
	switch f.Kind {
	case iso14443a.ReqA:
		cmd = cmdTransmitREQA
	case iso14443a.WupA:
		cmd = cmdTransmitWUPA
	case iso14443a.Anticoll:
		anticoll = true
		n := (f.Bits + 7) / 8
		if f.Bits <= 0 || n > len(tx) || n > fifoSize {
			return 0, fmt.Errorf("invalid anticollision frame: %d bits of %d bytes", f.Bits, len(tx))
		}
		if err := d.writeTXLen(f.Bits); err != nil {
			return 0, err
		}
		if err := d.writeFIFO(tx[:n]); err != nil {
			return 0, err
		}
		cmd = cmdTransmitWithoutCRC
	case iso14443a.Standard:
		if len(tx) > fifoSize {
			return 0, fmt.Errorf("frame too large: %d bytes", len(tx))
		}
		if err := d.writeTXLen(len(tx) * 8); err != nil {
			return 0, err
		}
		if err := d.writeFIFO(tx); err != nil {
			return 0, err
		}
		raw = false
		cmd = cmdTransmitWithCRC
		timeout = f.Timeout
	default:
		return 0, fmt.Errorf("unknown frame kind: %d", f.Kind)
	}

	if err := d.configureCorrelator(anticoll); err != nil {
		return 0, err
	}
	var antclBit, noCRCBit byte
	if anticoll {
		antclBit = 0b1 << antcl
	}
	if raw {
		noCRCBit = 0b1 << no_crc_rx
	}
	if err := d.writeReg(regISO14443A, antclBit); err != nil {
		return 0, err
	}
	if err := d.modifyReg(regAux, 0b1<<no_crc_rx, noCRCBit); err != nil {
		return 0, err
	}
	if err := d.writeReg(regRXConf2, rxConf2(anticoll)); err != nil {
		return 0, err
	}
	fwt := min(uint64(timeout)+fwtAdjust+fwtAAdjust, math.MaxUint32)
	if err := d.setNoResponseTimer(uint32(fwt)); err != nil {
		return 0, err
	}

	// The stop command cleared the interrupt status.
	d.irqs = 0
	if err := d.command(cmd); err != nil {
		return 0, err
	}
	if err := d.waitInterrupt(IntTxe, d.conf.Timeout); err != nil {
		return 0, err
	}
	rerr := d.waitReceive(anticoll)
	if err := d.stopNoResponseTimer(); err != nil {
		return 0, err
	}
	if rerr != nil {
		d.log.Debug().Err(rerr).Msg("RX")
		return 0, rerr
	}

	st2, err := d.readReg(regFIFOStatus2)
	if err != nil {
		return 0, err
	}
	switch {
	case st2&(0b1<<fifo_ovr) != 0:
		return 0, iso14443a.ErrFIFOOverflow
	case st2&(0b1<<fifo_unf) != 0:
		return 0, iso14443a.ErrFIFOUnderflow
	case st2&(0b1<<np_lb) != 0:
		return 0, iso14443a.ErrLastByteMissingParity
	}
	st1, err := d.readReg(regFIFOStatus1)
	if err != nil {
		return 0, err
	}
	rxBytes := rxCount(st1, st2)

	if anticoll {
		return s.readAnticoll(f.Bits, tx, rx, rxBytes)
	}
	if !raw {
		// Remove the received CRC.
		if rxBytes < 2 {
			return 0, iso14443a.ErrResponseTooShort
		}
		rxBytes -= 2
	}
	if rxBytes > len(rx) {
		return 0, iso14443a.ErrResponseTooLong
	}
	if err := d.readFIFO(rx[:rxBytes]); err != nil {
		return 0, err
	}
	d.log.Debug().Hex("rx", rx[:rxBytes]).Msg("RX")
	return rxBytes * 8, nil
}

// waitReceive waits for the end of reception or a reception error.
func (d *Device) waitReceive(anticoll bool) error {
	deadline := time.Now().Add(receiveTimeout)
	for {
		switch {
		case d.Interrupt(IntNre):
			return iso14443a.ErrTimeout
		case d.Interrupt(IntErr1):
			return iso14443a.ErrFraming
		case d.Interrupt(IntPar):
			return iso14443a.ErrParity
		case d.Interrupt(IntCrc):
			return iso14443a.ErrCRC
		case !anticoll && d.Interrupt(IntCol):
			return iso14443a.ErrCollision
		case d.Interrupt(IntRxe):
			return nil
		}
		if time.Now().After(deadline) {
			d.log.Debug().Msg("RX: safety timeout")
			return iso14443a.ErrTimeout
		}
		if err := d.UpdateInterrupts(); err != nil {
			return err
		}
	}
}

// readAnticoll assembles an anticollision response. The transmitted
// bits are copied in front of the received ones, and a partial byte is
// completed by the bits received from the card. It returns the number
// of valid bits up to the first collision, counted from the start of
// the frame.
func (s *ISO14443A) readAnticoll(bits int, tx, rx []byte, rxBytes int) (int, error) {
	d := s.d
	full := bits / 8
	if full+rxBytes > len(rx) {
		return 0, iso14443a.ErrResponseTooLong
	}
	copy(rx[:full], tx[:full])
	if err := d.readFIFO(rx[full : full+rxBytes]); err != nil {
		return 0, err
	}
	if part := bits % 8; part != 0 && full < len(rx) {
		rx[full] |= tx[full] & (0b1<<part - 1)
	}
	rxBits := (full + rxBytes) * 8
	if d.Interrupt(IntCol) {
		coll, err := d.readReg(regCollision)
		if err != nil {
			return 0, err
		}
		rxBits = int(coll>>c_byte)*8 + int(coll>>c_bit&0b111)
	}
	d.log.Debug().Hex("rx", rx[:min(len(rx), full+rxBytes)]).Int("bits", rxBits).Msg("RX")
	return rxBits, nil
}
