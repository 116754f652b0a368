package st25r39

import (
	"context"
	"fmt"
)

// WakeupPeriod is the interval between wake-up measurements. The value
// is the wake-up timer code: bit 4 selects the 100ms resolution, bits
// 0-3 the multiplier.
type WakeupPeriod uint8

const (
	WakeupMs10  WakeupPeriod = 0x00
	WakeupMs20  WakeupPeriod = 0x01
	WakeupMs30  WakeupPeriod = 0x02
	WakeupMs40  WakeupPeriod = 0x03
	WakeupMs50  WakeupPeriod = 0x04
	WakeupMs60  WakeupPeriod = 0x05
	WakeupMs70  WakeupPeriod = 0x06
	WakeupMs80  WakeupPeriod = 0x07
	WakeupMs100 WakeupPeriod = 0x10
	WakeupMs200 WakeupPeriod = 0x11
	WakeupMs300 WakeupPeriod = 0x12
	WakeupMs400 WakeupPeriod = 0x13
	WakeupMs500 WakeupPeriod = 0x14
	WakeupMs600 WakeupPeriod = 0x15
	WakeupMs700 WakeupPeriod = 0x16
	WakeupMs800 WakeupPeriod = 0x17
)

// ParseWakeupPeriod returns the period for a number of milliseconds.
func ParseWakeupPeriod(ms int) (WakeupPeriod, error) {
	switch {
	case ms >= 10 && ms <= 80 && ms%10 == 0:
		return WakeupPeriod(ms/10 - 1), nil
	case ms >= 100 && ms <= 800 && ms%100 == 0:
		return WakeupPeriod(0x10 | (ms/100 - 1)), nil
	}
	return 0, fmt.Errorf("st25r39: invalid wake-up period: %dms", ms)
}

// Milliseconds returns the length of the period.
func (p WakeupPeriod) Milliseconds() int {
	wut, wur := p.timerBits()
	step := 100
	if wur {
		step = 10
	}
	return (int(wut) + 1) * step
}

func (p WakeupPeriod) String() string {
	return fmt.Sprintf("%dms", p.Milliseconds())
}

// timerBits returns the wut multiplier and the wur (10ms resolution)
// flag.
func (p WakeupPeriod) timerBits() (byte, bool) {
	return byte(p) & 0x0f, byte(p)&0x10 == 0
}

// Wake-up timer control bits.
const (
	wph = 1
	wam = 2
	wto = 3
	wut = 4
	wur = 7
)

func (p WakeupPeriod) timerControl() byte {
	mult, res := p.timerBits()
	ctrl := mult << wut
	if res {
		ctrl |= 0b1 << wur
	}
	return ctrl
}

// ReferenceKind selects how a wake-up reference value is obtained.
type ReferenceKind int

const (
	// RefManual uses a fixed reference value.
	RefManual ReferenceKind = iota
	// RefAutomatic measures the reference once before entering
	// wake-up mode.
	RefAutomatic
	// RefAutoAverage measures the reference and lets the chip
	// average it over subsequent measurements.
	RefAutoAverage
)

// WakeupReference is the reference a wake-up measurement is compared
// against.
type WakeupReference struct {
	Kind ReferenceKind
	// Value is the manual reference.
	Value uint8
	// Weight of the auto-averaging, 0-3.
	Weight uint8
	// IncludeIRQMeasurement includes measurements that triggered a
	// wake-up in the average.
	IncludeIRQMeasurement bool
}

func ManualReference(v uint8) WakeupReference {
	return WakeupReference{Kind: RefManual, Value: v}
}

func AutomaticReference() WakeupReference {
	return WakeupReference{Kind: RefAutomatic}
}

func AutoAverageReference(weight uint8, includeIRQ bool) WakeupReference {
	return WakeupReference{Kind: RefAutoAverage, Weight: weight, IncludeIRQMeasurement: includeIRQ}
}

// WakeupMethodConfig configures a wake-up measurement method.
type WakeupMethodConfig struct {
	// Delta is the difference from the reference that triggers a
	// wake-up, 0-15.
	Delta     uint8
	Reference WakeupReference
}

// WakeupConfig selects the wake-up period and methods. Nil methods are
// disabled.
type WakeupConfig struct {
	Period             WakeupPeriod
	InductiveAmplitude *WakeupMethodConfig
	InductivePhase     *WakeupMethodConfig
	Capacitive         *WakeupMethodConfig
}

// Measurement configuration bits, shared by the amplitude, phase and
// capacitance measurement configuration registers.
const (
	m_ae  = 0
	m_aew = 1
	m_aam = 3
	m_d   = 4
)

type wakeupMethod struct {
	name    string
	conf    *WakeupMethodConfig
	confReg byte
	refReg  byte
	// calibrate runs before the reference is resolved.
	calibrate func() error
	measure   func() (uint8, error)
	enable    byte
	irq       Interrupt
}

// WaitForCard enters the low power wake-up mode and blocks until one of
// the configured methods detects a change, signalled by the IRQ line.
// The wait is only bounded by ctx. If ctx is done the chip stays in
// wake-up mode; call ModeOff to leave it.
//
// After a wake-up the Device stays in ModeWakeup until StartISO14443A
// or ModeOn.
func (d *Device) WaitForCard(ctx context.Context, conf WakeupConfig) error {
	if err := d.armWakeup(conf); err != nil {
		return fmt.Errorf("st25r39: wait for card: %w", err)
	}
	d.log.Debug().Stringer("period", conf.Period).Msg("entered wake-up mode")
	high, err := d.irq.High()
	if err != nil {
		return fmt.Errorf("st25r39: wait for card: %w", err)
	}
	if !high {
		if err := d.irq.WaitForRisingEdge(ctx); err != nil {
			return fmt.Errorf("st25r39: wait for card: %w", err)
		}
	}
	d.log.Debug().Msg("woke up")
	return nil
}

func (d *Device) armWakeup(conf WakeupConfig) error {
	if err := d.modeOn(); err != nil {
		return err
	}
	d.mode = ModeWakeup
	if err := d.command(cmdStop); err != nil {
		return err
	}
	if err := d.writeRegs(
		regOpCtrl, 0,
		regMode, omISO14443A,
	); err != nil {
		return err
	}
	ctrl := conf.Period.timerControl()
	var irqs uint32
	methods := []wakeupMethod{
		{"amplitude", conf.InductiveAmplitude, regAmpConf, regAmpRef, nil, d.MeasureAmplitude, 0b1 << wam, IntWam},
		{"phase", conf.InductivePhase, regPhaseConf, regPhaseRef, nil, d.MeasurePhase, 0b1 << wph, IntWph},
		{"capacitance", conf.Capacitive, regCapConf, regCapRef, d.calibrateForWakeup, d.MeasureCapacitance, wakeupCapEnable, IntWcap},
	}
	for _, m := range methods {
		if m.conf == nil {
			continue
		}
		if m.calibrate != nil {
			if err := m.calibrate(); err != nil {
				return err
			}
		}
		mconf, err := d.resolveReference(m)
		if err != nil {
			return err
		}
		if err := d.writeReg(m.confReg, mconf); err != nil {
			return err
		}
		ctrl |= m.enable
		irqs |= 0b1 << m.irq
	}
	if err := d.ClearInterrupts(); err != nil {
		return err
	}
	if err := d.writeRegs(
		regWakeup, ctrl,
		regOpCtrl, 0b1<<wu,
	); err != nil {
		return err
	}
	return d.setInterruptMask(^irqs)
}

func (d *Device) calibrateForWakeup() error {
	d.log.Debug().Msg("calibrating capacitive sensor")
	_, err := d.CalibrateCapacitance()
	return err
}

// resolveReference writes the reference register of a method and
// returns its measurement configuration.
func (d *Device) resolveReference(m wakeupMethod) (byte, error) {
	ref := m.conf.Reference
	conf := m.conf.Delta << m_d
	val := ref.Value
	if ref.Kind != RefManual {
		v, err := m.measure()
		if err != nil {
			return 0, err
		}
		d.log.Debug().Str("method", m.name).Uint8("reference", v).Msg("measured wake-up reference")
		val = v
	}
	if ref.Kind == RefAutoAverage {
		conf |= 0b1<<m_ae | (ref.Weight&0b11)<<m_aew
		if ref.IncludeIRQMeasurement {
			conf |= 0b1 << m_aam
		}
	}
	return conf, d.writeReg(m.refReg, val)
}
