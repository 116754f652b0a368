//go:build st25r3911b

package st25r39

// Chip names the front end this build drives.
const Chip = "ST25R3911B"

const (
	readFIFO = modeFIFO | 0b111111

	// fifoSize is the FIFO capacity in bytes.
	fifoSize = 96
	// irqRegs is the number of interrupt status registers.
	irqRegs = 3
	// intFieldOnDone signals the end of the initial RF collision
	// avoidance. The chip has no dedicated field-on interrupt.
	intFieldOnDone = IntCat

	// RFO normal level definition bitmaps.
	driverResistanceNominal = 0b1 << d5
	driverResistanceHiZ     = 0xff

	// Register addresses, see table 13 in the datasheet.
	regIOConf1         = 0
	regIOConf2         = 1
	regOpCtrl          = 2
	regMode            = 3
	regBitRate         = 4
	regISO14443A       = 5
	regAux             = 9
	regRXConf2         = 11
	regNRT1            = 15
	regNRT2            = 16
	regTimerEMV        = 17
	regIRQMask         = 20
	regIRQMain         = 23
	regFIFOStatus1     = 26
	regFIFOStatus2     = 27
	regCollision       = 28
	regNumTX1          = 29
	regNumTX2          = 30
	regADConv          = 32
	regAMModDepthCtrl  = 36
	regRFONormalLevel  = 39
	regRegulatorCtrl   = 42
	regRegulatorDisp   = 43
	regCapSensorCtrl   = 46
	regCapSensorResult = 47
	regAuxDisp         = 48
	regWakeup          = 49
	regAmpConf         = 50
	regAmpRef          = 51
	regPhaseConf       = 54
	regPhaseRef        = 55
	regCapConf         = 58
	regCapRef          = 59
	regICID            = 63

	// Commands, see table 10.
	cmdSetDefault         = 0xc1
	cmdStop               = 0xc2
	cmdTransmitWithCRC    = 0xc4
	cmdTransmitWithoutCRC = 0xc5
	cmdTransmitREQA       = 0xc6
	cmdTransmitWUPA       = 0xc7
	cmdInitialRFCollision = 0xc8
	cmdMeasureAmplitude   = 0xd3
	cmdResetRXGain        = 0xd5
	cmdAdjustRegulators   = 0xd6
	cmdMeasurePhase       = 0xd9
	cmdCalibrateCapSensor = 0xdd
	cmdMeasureCapacitance = 0xde
	cmdMeasureSupply      = 0xdf
	cmdTestAccess         = 0xfc
	// The ST25R3911B has no register space B; the prefix is never sent.
	cmdSpaceB = 0xfb

	// IO configuration register 1 bits.
	lf_clk_off = 0
	out_cl     = 1
	osc        = 3
	// MCU_CLK disabled, 27.12 MHz crystal.
	ioConf1 = 0b11<<out_cl | 0b1<<lf_clk_off | 0b1<<osc

	// IO configuration register 2 bits.
	sup3V = 7

	// Operation control bits.
	wu    = 2
	tx_en = 3
	rx_en = 6
	en    = 7

	// Mode definition bits.
	om0         = 3
	omISO14443A = 0b1 << om0

	// ISO14443A and NFC 106kb/s settings bits.
	antcl = 0

	// Auxiliary definition bits.
	en_fd     = 4
	tr_am     = 5
	no_crc_rx = 7

	// Receiver configuration register 2 bits.
	sqm_dyn = 1
	agc_m   = 3
	agc_en  = 4

	// General purpose and no-response timer control bits.
	nrt_step = 0

	// FIFO status register 2 bits.
	np_lb    = 0
	fifo_ovr = 5
	fifo_unf = 6

	// AM modulation depth control bits.
	modd = 1
	am_s = 7

	// RFO normal level definition bits.
	d5 = 5

	// Capacitive sensor control bits.
	cs_g    = 0
	cs_mcal = 3

	// Auxiliary display bits.
	osc_ok = 4
)

// wakeupCapEnable is zero: the wake-up timer control register has no
// capacitive enable bit.
const wakeupCapEnable = 0

func (d *Device) disableOverheatProtection() error {
	return nil
}

func (d *Device) setSupply3V() error {
	return d.modifyReg(regIOConf2, 0, 0b1<<sup3V)
}

// enableFieldDetector enables the external field detector.
func (d *Device) enableFieldDetector() error {
	return d.modifyReg(regAux, 0, 0b1<<en_fd)
}

func (d *Device) setDriverResistance(r DriverResistance) error {
	return d.writeReg(regRFONormalLevel, byte(r))
}

// configureTransmitter sets up ISO14443A initiator mode with OOK
// modulation and 12.3% AM depth.
func (d *Device) configureTransmitter() error {
	if err := d.writeReg(regMode, omISO14443A); err != nil {
		return err
	}
	if err := d.modifyReg(regAux, 0b1<<tr_am, 0); err != nil {
		return err
	}
	// See table 17 in the datasheet.
	return d.writeReg(regAMModDepthCtrl, 0b0<<am_s|0b010010<<modd)
}

// configureCorrelator is a no-op; the ST25R3911B has no correlator
// configuration.
func (d *Device) configureCorrelator(anticoll bool) error {
	return nil
}

// rxConf2 returns the receiver configuration. Automatic gain control is
// disabled during anticollision for better collision detection.
func rxConf2(anticoll bool) byte {
	conf := byte(0b1<<agc_m | 0b1<<sqm_dyn)
	if !anticoll {
		conf |= 0b1 << agc_en
	}
	return conf
}

// stopNoResponseTimer is a no-op; the timer stops by itself on the
// ST25R3911B.
func (d *Device) stopNoResponseTimer() error {
	return nil
}

// rxCount decodes the number of bytes in the FIFO.
func rxCount(status1, status2 byte) int {
	return int(status1 & 0x7f)
}

func capSensorAutoCalibration() byte {
	// Clear manual calibration, highest gain.
	return 0<<cs_mcal | 0b01<<cs_g
}
