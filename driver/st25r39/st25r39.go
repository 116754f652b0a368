// Package st25r39 implements a driver for the [ST25R3916] and
// [ST25R3911B] NFC reader devices, operating as ISO14443A initiator.
//
// The ST25R3916 is the default. Build with the st25r3911b tag to drive
// the ST25R3911B instead.
//
// [ST25R3916]: https://www.st.com/resource/en/datasheet/st25r3916.pdf
// [ST25R3911B]: https://www.st.com/resource/en/datasheet/st25r3911b.pdf
package st25r39

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Device is a ST25R39xx chip. A Device is not safe for concurrent use.
type Device struct {
	bus  Bus
	irq  IRQ
	conf Config
	log  zerolog.Logger

	mode Mode
	// irqs accumulates the interrupt status registers.
	irqs    uint32
	session *ISO14443A
}

// IRQ is the interrupt line of the chip.
type IRQ interface {
	// High reports the current level of the line.
	High() (bool, error)
	// WaitForRisingEdge blocks until the line goes high or
	// the context is done.
	WaitForRisingEdge(ctx context.Context) error
}

// DriverResistance is the chip specific RFO driver setting in On mode.
// For the ST25R3916 it is the d_res code, 0 being the lowest
// resistance. For the ST25R3911B it is the RFO normal level bitmap.
type DriverResistance uint8

// Config tunes the driver.
type Config struct {
	DriverResistance DriverResistance
	// Timeout bounds waits for direct commands and calibration.
	Timeout time.Duration
	// FieldOnTimeout bounds the RF collision avoidance when switching
	// the field on. Zero means no bound.
	FieldOnTimeout time.Duration
	// GuardTime is waited after the field is switched on.
	GuardTime time.Duration
	Logger    zerolog.Logger
}

// DefaultTimeout is the default bound on hardware waits.
const DefaultTimeout = 500 * time.Millisecond

// DefaultConfig returns the nominal driver configuration.
func DefaultConfig() Config {
	return Config{
		DriverResistance: driverResistanceNominal,
		Timeout:          DefaultTimeout,
		GuardTime:        5 * time.Millisecond,
		Logger:           zerolog.Nop(),
	}
}

// Mode is the operating mode of the Device.
type Mode int

const (
	ModeOff Mode = iota
	ModeOn
	ModeWakeup
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOn:
		return "on"
	case ModeWakeup:
		return "wakeup"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var (
	ErrTimeout        = errors.New("st25r39: timeout")
	ErrFieldCollision = errors.New("st25r39: external field detected")
	// ErrCalibration is a device fault. The chip must be reset
	// before further use.
	ErrCalibration = errors.New("st25r39: capacitive sensor calibration failed")
	ErrBusy        = errors.New("st25r39: session already active")
	ErrClosed      = errors.New("st25r39: session closed")
	ErrNotReady    = errors.New("st25r39: device is not on")
)

// Threshold below which the 3.3V supply profile is used.
const supply3VThreshold = 3600 // mV

// New initializes the chip with DefaultConfig.
func New(bus Bus, irq IRQ) (*Device, error) {
	return NewWithConfig(bus, irq, DefaultConfig())
}

// NewWithConfig initializes the chip and leaves it in ModeOff.
func NewWithConfig(bus Bus, irq IRQ, conf Config) (*Device, error) {
	d := &Device{
		bus:  bus,
		irq:  irq,
		mode: ModeOff,
	}
	d.SetConfig(conf)
	if err := d.init(); err != nil {
		return nil, fmt.Errorf("st25r39: init: %w", err)
	}
	return d, nil
}

// SetConfig replaces the configuration. A zero Timeout selects
// DefaultTimeout.
func (d *Device) SetConfig(conf Config) {
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultTimeout
	}
	d.conf = conf
	d.log = conf.Logger.With().Str("chip", Chip).Logger()
}

// Mode returns the current operating mode.
func (d *Device) Mode() Mode {
	return d.mode
}

func (d *Device) init() error {
	if err := d.command(cmdSetDefault); err != nil {
		return err
	}
	if err := d.disableOverheatProtection(); err != nil {
		return err
	}
	id, err := d.readReg(regICID)
	if err != nil {
		return err
	}
	d.log.Trace().Uint8("ic_type", id>>3).Uint8("ic_rev", id&0b111).Msg("identity")

	if err := d.enableOscillator(); err != nil {
		return err
	}
	vdd, err := d.MeasureSupply()
	if err != nil {
		return err
	}
	d.log.Trace().Int("mv", vdd).Msg("supply")
	if vdd < supply3VThreshold {
		if err := d.setSupply3V(); err != nil {
			return err
		}
		d.log.Trace().Msg("using 3.3V supply mode")
	} else {
		d.log.Trace().Msg("using 5V supply mode")
	}
	if err := d.writeReg(regIOConf1, ioConf1); err != nil {
		return err
	}
	if err := d.enableFieldDetector(); err != nil {
		return err
	}
	// Adjust regulators. The reg_s bit must be cycled before the
	// adjust command.
	if err := d.writeRegs(
		regRegulatorCtrl, 0b1<<reg_s,
		regRegulatorCtrl, 0b0<<reg_s,
	); err != nil {
		return err
	}
	if err := d.commandAndWait(cmdAdjustRegulators); err != nil {
		return err
	}
	res, err := d.readReg(regRegulatorDisp)
	if err != nil {
		return err
	}
	d.log.Trace().Uint8("result", res).Msg("regulators adjusted")
	return nil
}

// enableOscillator starts the oscillator and waits until it is stable.
// The wait is not bounded.
func (d *Device) enableOscillator() error {
	if err := d.writeReg(regOpCtrl, 0b1<<en); err != nil {
		return err
	}
	for {
		aux, err := d.readReg(regAuxDisp)
		if err != nil {
			return err
		}
		if aux&(0b1<<osc_ok) != 0 {
			return nil
		}
	}
}

// ModeOn enables the oscillator, the external field detector and the
// configured driver resistance.
func (d *Device) ModeOn() error {
	if err := d.modeOn(); err != nil {
		return fmt.Errorf("st25r39: mode on: %w", err)
	}
	return nil
}

func (d *Device) modeOn() error {
	d.mode = ModeOn
	if err := d.enableOscillator(); err != nil {
		return err
	}
	if err := d.enableFieldDetector(); err != nil {
		return err
	}
	return d.setDriverResistance(d.conf.DriverResistance)
}

// ModeOff stops all activity and disables the chip.
func (d *Device) ModeOff() error {
	if err := d.modeOff(); err != nil {
		return fmt.Errorf("st25r39: mode off: %w", err)
	}
	return nil
}

func (d *Device) modeOff() error {
	d.mode = ModeOff
	if err := d.command(cmdStop); err != nil {
		return err
	}
	return d.writeReg(regOpCtrl, 0)
}

// FieldOn performs the initial RF collision avoidance and switches the
// field on. It fails with ErrFieldCollision if another device emits a
// field. The Device must be in ModeOn.
func (d *Device) FieldOn() error {
	if d.mode != ModeOn {
		return fmt.Errorf("st25r39: field on: %w", ErrNotReady)
	}
	if err := d.fieldOn(); err != nil {
		return fmt.Errorf("st25r39: field on: %w", err)
	}
	return nil
}

func (d *Device) fieldOn() error {
	if err := d.configureTransmitter(); err != nil {
		return err
	}
	if err := d.writeRegs(
		regBitRate, 0, // 106 kb/s in both directions.
		regISO14443A, 0,
	); err != nil {
		return err
	}
	if err := d.ClearInterrupts(); err != nil {
		return err
	}
	if err := d.command(cmdInitialRFCollision); err != nil {
		return err
	}
	var deadline time.Time
	if t := d.conf.FieldOnTimeout; t > 0 {
		deadline = time.Now().Add(t)
	}
	for {
		if d.Interrupt(IntCac) {
			d.log.Debug().Msg("field collision")
			return ErrFieldCollision
		}
		if d.Interrupt(intFieldOnDone) {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}
		if err := d.UpdateInterrupts(); err != nil {
			return err
		}
	}
	return d.modifyReg(regOpCtrl, 0, 0b1<<tx_en|0b1<<rx_en)
}

// FieldOff switches the field off by entering ModeOff.
func (d *Device) FieldOff() error {
	return d.ModeOff()
}

// DriverHiZ enters ModeOff and puts the RFO drivers in high impedance.
func (d *Device) DriverHiZ() error {
	if err := d.modeOff(); err != nil {
		return fmt.Errorf("st25r39: driver hi-z: %w", err)
	}
	if err := d.setDriverResistance(driverResistanceHiZ); err != nil {
		return fmt.Errorf("st25r39: driver hi-z: %w", err)
	}
	return nil
}

// MeasureAmplitude measures the amplitude of the antenna signal.
func (d *Device) MeasureAmplitude() (uint8, error) {
	v, err := d.measure(cmdMeasureAmplitude)
	if err != nil {
		return 0, fmt.Errorf("st25r39: measure amplitude: %w", err)
	}
	return v, nil
}

// MeasurePhase measures the phase of the antenna signal.
func (d *Device) MeasurePhase() (uint8, error) {
	v, err := d.measure(cmdMeasurePhase)
	if err != nil {
		return 0, fmt.Errorf("st25r39: measure phase: %w", err)
	}
	return v, nil
}

// MeasureCapacitance measures the capacitive sensor.
func (d *Device) MeasureCapacitance() (uint8, error) {
	v, err := d.measure(cmdMeasureCapacitance)
	if err != nil {
		return 0, fmt.Errorf("st25r39: measure capacitance: %w", err)
	}
	return v, nil
}

func (d *Device) measure(cmd byte) (uint8, error) {
	if err := d.commandAndWait(cmd); err != nil {
		return 0, err
	}
	return d.readReg(regADConv)
}

// MeasureSupply returns the supply voltage in millivolts.
func (d *Device) MeasureSupply() (int, error) {
	// mpsv = 0 selects VDD.
	if err := d.writeReg(regRegulatorCtrl, 0); err != nil {
		return 0, fmt.Errorf("st25r39: measure supply: %w", err)
	}
	raw, err := d.measure(cmdMeasureSupply)
	if err != nil {
		return 0, fmt.Errorf("st25r39: measure supply: %w", err)
	}
	return supplyMillivolts(raw), nil
}

// supplyMillivolts converts a supply measurement in units of 23.4mV.
func supplyMillivolts(raw uint8) int {
	return (int(raw)*234 + 5) / 10
}

// CalibrateCapacitance runs the automatic calibration of the
// capacitive sensor and returns the calibration value. A calibration
// failure is reported as ErrCalibration.
func (d *Device) CalibrateCapacitance() (uint8, error) {
	v, err := d.calibrateCapacitance()
	if err != nil {
		return 0, fmt.Errorf("st25r39: calibrate capacitance: %w", err)
	}
	d.log.Info().Uint8("value", v).Msg("capacitive sensor calibrated")
	return v, nil
}

func (d *Device) calibrateCapacitance() (uint8, error) {
	if err := d.writeReg(regCapSensorCtrl, capSensorAutoCalibration()); err != nil {
		return 0, err
	}
	// The interrupt only fires in Ready mode, so poll the result
	// register instead.
	if err := d.command(cmdCalibrateCapSensor); err != nil {
		return 0, err
	}
	deadline := time.Now().Add(d.conf.Timeout)
	for {
		if time.Now().After(deadline) {
			return 0, ErrTimeout
		}
		res, err := d.readReg(regCapSensorResult)
		if err != nil {
			return 0, err
		}
		if res&(0b1<<cs_cal_err) != 0 {
			d.log.Error().Uint8("result", res).Msg("capacitive sensor calibration failed")
			return 0, ErrCalibration
		}
		if res&(0b1<<cs_cal_end) != 0 {
			return res >> cs_cal_val, nil
		}
		runtime.Gosched()
	}
}

// Shared register bits.
const (
	// Regulator control.
	reg_s = 7

	// Capacitive sensor result.
	cs_cal_err = 1
	cs_cal_end = 2
	cs_cal_val = 3

	// Collision display.
	c_bit  = 1
	c_byte = 4
)
