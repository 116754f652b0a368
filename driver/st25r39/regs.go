package st25r39

func (d *Device) readReg(reg byte) (byte, error) {
	v, err := d.bus.ReadReg(reg)
	if err != nil {
		return 0, &BusError{Err: err}
	}
	return v, nil
}

// writeRegs in pairs of (register, value).
func (d *Device) writeRegs(values ...byte) error {
	for i := 0; i < len(values); i += 2 {
		reg, val := values[i], values[i+1]
		if err := d.writeReg(reg, val); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) writeReg(reg, val byte) error {
	if err := d.bus.WriteReg(reg, val); err != nil {
		return &BusError{Err: err}
	}
	return nil
}

// modifyReg clears and then sets bits of a register.
func (d *Device) modifyReg(reg, clr, set byte) error {
	v, err := d.readReg(reg)
	if err != nil {
		return err
	}
	return d.writeReg(reg, v&^clr|set)
}

func (d *Device) command(cmd byte) error {
	if err := d.bus.Command(cmd); err != nil {
		return &BusError{Err: err}
	}
	return nil
}

func (d *Device) readFIFO(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := d.bus.ReadFIFO(buf); err != nil {
		return &BusError{Err: err}
	}
	return nil
}

func (d *Device) writeFIFO(buf []byte) error {
	if err := d.bus.WriteFIFO(buf); err != nil {
		return &BusError{Err: err}
	}
	return nil
}

// writeTXLen sets the number of bits to transmit.
func (d *Device) writeTXLen(bits int) error {
	return d.writeRegs(
		regNumTX2, byte(bits),
		regNumTX1, byte(bits>>8),
	)
}

// No-response timer steps in carrier cycles.
const (
	nrtStep     = 64
	nrtStepLong = 4096
)

// setNoResponseTimer programs the no-response timer in units of
// carrier cycles (1/fc), switching to the long step when the value
// doesn't fit.
func (d *Device) setNoResponseTimer(fc uint32) error {
	steps := (uint64(fc) + nrtStep - 1) / nrtStep
	long := steps > 0xffff
	if long {
		steps = min((uint64(fc)+nrtStepLong-1)/nrtStepLong, 0xffff)
	}
	var step byte
	if long {
		step = 0b1 << nrt_step
	}
	if err := d.modifyReg(regTimerEMV, 0b1<<nrt_step, step); err != nil {
		return err
	}
	return d.writeRegs(
		regNRT1, byte(steps>>8),
		regNRT2, byte(steps),
	)
}
