package st25r39

import (
	"runtime"
	"time"
)

// Interrupt is a bit number in the interrupt bitmap. Bits 0-7 are the
// main interrupt register, bits 8-15 the timer and NFC register,
// bits 16-23 the error and wake-up register and, on the ST25R3916,
// bits 24-31 the passive target register.
type Interrupt uint8

const (
	IntCol  Interrupt = 2  // Bit collision.
	IntTxe  Interrupt = 3  // End of transmission.
	IntRxe  Interrupt = 4  // End of receive.
	IntRxs  Interrupt = 5  // Start of receive.
	IntOsc  Interrupt = 7  // Oscillator stable.
	IntCat  Interrupt = 9  // Minimum guard time expired.
	IntCac  Interrupt = 10 // Collision during RF collision avoidance.
	IntEof  Interrupt = 11 // External field off.
	IntEon  Interrupt = 12 // External field on.
	IntNre  Interrupt = 14 // No-response timer expired.
	IntDct  Interrupt = 15 // Termination of direct command.
	IntWcap Interrupt = 16 // Wake-up due to capacitance measurement.
	IntWph  Interrupt = 17 // Wake-up due to phase measurement.
	IntWam  Interrupt = 18 // Wake-up due to amplitude measurement.
	IntWt   Interrupt = 19 // Wake-up timer.
	IntErr1 Interrupt = 20 // Hard framing error.
	IntErr2 Interrupt = 21 // Soft framing error.
	IntPar  Interrupt = 22 // Parity error.
	IntCrc  Interrupt = 23 // CRC error.
	IntApon Interrupt = 29 // Anticollision done and field on. ST25R3916 only.
)

// UpdateInterrupts reads the interrupt status registers, which clears
// them, and accumulates them into the interrupt bitmap.
func (d *Device) UpdateInterrupts() error {
	for i := 0; i < irqRegs; i++ {
		v, err := d.readReg(regIRQMain + byte(i))
		if err != nil {
			return err
		}
		d.irqs |= uint32(v) << (i * 8)
	}
	return nil
}

// Interrupt reports whether the interrupt is set in the bitmap as of
// the last UpdateInterrupts.
func (d *Device) Interrupt(i Interrupt) bool {
	return d.irqs&(0b1<<i) != 0
}

// Interrupts returns the interrupt bitmap.
func (d *Device) Interrupts() uint32 {
	return d.irqs
}

// ClearInterrupts drains the interrupt status registers and resets the
// bitmap.
func (d *Device) ClearInterrupts() error {
	if err := d.UpdateInterrupts(); err != nil {
		return err
	}
	d.irqs = 0
	return nil
}

// setInterruptMask writes the interrupt mask registers. A set bit
// disables the interrupt on the IRQ line.
func (d *Device) setInterruptMask(mask uint32) error {
	for i := 0; i < irqRegs; i++ {
		if err := d.writeReg(regIRQMask+byte(i), byte(mask>>(i*8))); err != nil {
			return err
		}
	}
	return nil
}

// waitInterrupt polls the interrupt status until i is set or timeout
// expires.
func (d *Device) waitInterrupt(i Interrupt, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := d.UpdateInterrupts(); err != nil {
		return err
	}
	for !d.Interrupt(i) {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		runtime.Gosched()
		if err := d.UpdateInterrupts(); err != nil {
			return err
		}
	}
	return nil
}

// commandAndWait issues a direct command and waits for its
// termination.
func (d *Device) commandAndWait(cmd byte) error {
	if err := d.ClearInterrupts(); err != nil {
		return err
	}
	if err := d.command(cmd); err != nil {
		return err
	}
	return d.waitInterrupt(IntDct, d.conf.Timeout)
}
