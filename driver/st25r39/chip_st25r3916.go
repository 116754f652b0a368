//go:build !st25r3911b

package st25r39

// Chip names the front end this build drives.
const Chip = "ST25R3916"

const (
	readFIFO = modeFIFO | 0b011111

	// fifoSize is the FIFO capacity in bytes.
	fifoSize = 512
	// irqRegs is the number of interrupt status registers.
	irqRegs = 4
	// intFieldOnDone signals the end of the initial RF collision
	// avoidance with the field switched on.
	intFieldOnDone = IntApon

	// Driver resistance codes (d_res).
	driverResistanceNominal = 3
	driverResistanceHiZ     = 15

	// Register addresses, space A. See table 17 in the datasheet.
	regIOConf1         = 0x00
	regIOConf2         = 0x01
	regOpCtrl          = 0x02
	regMode            = 0x03
	regBitRate         = 0x04
	regISO14443A       = 0x05
	regAux             = 0x0a
	regRXConf2         = 0x0c
	regNRT1            = 0x10
	regNRT2            = 0x11
	regTimerEMV        = 0x12
	regIRQMask         = 0x16
	regIRQMain         = 0x1a
	regFIFOStatus1     = 0x1e
	regFIFOStatus2     = 0x1f
	regCollision       = 0x20
	regNumTX1          = 0x22
	regNumTX2          = 0x23
	regADConv          = 0x25
	regTXDriver        = 0x28
	regRegulatorCtrl   = 0x2c
	regCapSensorCtrl   = 0x2f
	regCapSensorResult = 0x30
	regAuxDisp         = 0x31
	regWakeup          = 0x32
	regAmpConf         = 0x33
	regAmpRef          = 0x34
	regPhaseConf       = 0x37
	regPhaseRef        = 0x38
	regCapConf         = 0x3b
	regCapRef          = 0x3c
	regICID            = 0x3f

	// Register addresses, space B. See table 28.
	regCorrConf1        = spaceB | 0x0c
	regFieldOnGuardTime = spaceB | 0x15
	regAuxMod           = spaceB | 0x28
	regRegulatorDisp    = spaceB | 0x2c
	regOvershootConf1   = spaceB | 0x30
	regOvershootConf2   = spaceB | 0x31
	regUndershootConf1  = spaceB | 0x32
	regUndershootConf2  = spaceB | 0x33

	// Test register holding the overheat protection fuse.
	regTestOverheat = testSpace | 0x04

	// Commands, see table 13.
	cmdSetDefault          = 0xc1
	cmdStop                = 0xc2
	cmdTransmitWithCRC     = 0xc4
	cmdTransmitWithoutCRC  = 0xc5
	cmdTransmitREQA        = 0xc6
	cmdTransmitWUPA        = 0xc7
	cmdInitialRFCollision  = 0xc8
	cmdMeasureAmplitude    = 0xd3
	cmdResetRXGain         = 0xd5
	cmdAdjustRegulators    = 0xd6
	cmdMeasurePhase        = 0xd9
	cmdClearFIFO           = 0xdb
	cmdCalibrateCapSensor  = 0xdd
	cmdMeasureCapacitance  = 0xde
	cmdMeasureSupply       = 0xdf
	cmdStopNoResponseTimer = 0xe8
	cmdSpaceB              = 0xfb
	cmdTestAccess          = 0xfc

	// IO configuration register 1 bits.
	lf_clk_off = 0
	out_cl     = 1
	ioConf1    = 0b11<<out_cl | 0b1<<lf_clk_off // MCU_CLK disabled.

	// IO configuration register 2 bits.
	sup3V = 7

	// Operation control bits.
	en_fd = 0
	wu    = 2
	tx_en = 3
	rx_en = 6
	en    = 7

	// Mode definition bits.
	tr_am       = 2
	om0         = 3
	omISO14443A = 0b1 << om0

	// ISO14443A and NFC 106kb/s settings bits.
	antcl = 0

	// Auxiliary definition bits.
	nfc_n     = 0
	dis_corr  = 2
	no_crc_rx = 7

	// Receiver configuration register 2 bits.
	agc6_3  = 0
	agc_m   = 2
	agc_en  = 3
	sqm_dyn = 5

	// Timer and EMV control bits.
	nrt_step = 2

	// FIFO status register 2 bits.
	np_lb    = 0
	fifo_ovr = 4
	fifo_unf = 5
	fifo_b   = 6

	// TX driver bits.
	d_res     = 0
	am_mod    = 4
	amMod12   = 0b0111 << am_mod
	d_resMask = 0b1111 << d_res

	// Auxiliary modulation bits.
	res_am     = 3
	lm_dri     = 4
	dis_reg_am = 7

	// Capacitive sensor control bits.
	cs_g    = 1
	cs_mcal = 3

	// Wake-up timer control bits.
	wcap = 0

	// Auxiliary display bits.
	osc_ok = 4

	// Correlator configuration register 1 bits.
	corr_s6       = 6
	corrConf1Base = 0x11
)

// wakeupCapEnable enables the capacitive wake-up method.
const wakeupCapEnable = 0b1 << wcap

func (d *Device) disableOverheatProtection() error {
	return d.writeReg(regTestOverheat, 0x10)
}

func (d *Device) setSupply3V() error {
	return d.modifyReg(regIOConf2, 0, 0b1<<sup3V)
}

// enableFieldDetector enables automatic external field detection.
func (d *Device) enableFieldDetector() error {
	return d.modifyReg(regOpCtrl, 0b11<<en_fd, 0b11<<en_fd)
}

func (d *Device) setDriverResistance(r DriverResistance) error {
	return d.modifyReg(regTXDriver, d_resMask, byte(r)&d_resMask)
}

// configureTransmitter sets up ISO14443A initiator mode with OOK
// modulation and 12% AM depth.
func (d *Device) configureTransmitter() error {
	if err := d.writeReg(regMode, omISO14443A|0b0<<tr_am); err != nil {
		return err
	}
	if err := d.modifyReg(regTXDriver, 0b1111<<am_mod, amMod12); err != nil {
		return err
	}
	return d.writeRegs(
		// Internal load modulation, regulator based AM.
		regAuxMod, 0b1<<lm_dri|0b0<<dis_reg_am|0b0<<res_am,
		// Default over and undershoot protection.
		regOvershootConf1, 0x40,
		regOvershootConf2, 0x03,
		regUndershootConf1, 0x40,
		regUndershootConf2, 0x03,
		// Enable correlator reception.
		regAux, 0b0<<dis_corr|0b00<<nfc_n,
		// The guard time is done in software.
		regFieldOnGuardTime, 0,
	)
}

func (d *Device) configureCorrelator(anticoll bool) error {
	conf := byte(corrConf1Base)
	if !anticoll {
		conf |= 0b1 << corr_s6
	}
	return d.writeReg(regCorrConf1, conf)
}

// rxConf2 returns the receiver configuration. Automatic gain control is
// disabled during anticollision for better collision detection.
func rxConf2(anticoll bool) byte {
	conf := byte(0b1<<agc_m | 0b1<<agc6_3 | 0b1<<sqm_dyn)
	if !anticoll {
		conf |= 0b1 << agc_en
	}
	return conf
}

func (d *Device) stopNoResponseTimer() error {
	return d.command(cmdStopNoResponseTimer)
}

// rxCount decodes the number of bytes in the FIFO.
func rxCount(status1, status2 byte) int {
	return int(status2>>fifo_b)<<8 | int(status1)
}

func capSensorAutoCalibration() byte {
	// Clear manual calibration, highest gain.
	return 0<<cs_mcal | 0b01<<cs_g
}
