// Package ftdi drives a FTDI FT232H in MPSSE SPI mode as the transport
// of a NFC front end, with the interrupt line on a C bus GPIO.
package ftdi

import (
	"fmt"
	"time"

	"github.com/yunginnanet/ft232h"

	"nfcdrv.dev/driver/gpioirq"
)

// Config selects the FT232H and its wiring.
type Config struct {
	// Serial selects the FT232H by serial number. The first
	// device is used if empty.
	Serial string
	// CS is the chip select pin.
	CS uint
	// IRQ is the interrupt pin mask on the C bus.
	IRQ uint
	// IRQPollInterval is the sampling interval of the interrupt line.
	IRQPollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		CS:              0x10,
		IRQ:             0x01, // C0.
		IRQPollInterval: time.Millisecond,
	}
}

// SPI clock frequency in Hz.
const spiClock = 4_000_000

// port is the part of the FT232H used by Device.
type port interface {
	Write(data []byte, start, stop bool) (uint, error)
	Read(count uint, start, stop bool) ([]byte, error)
	IRQ() (bool, error)
	Close() error
}

// Device is a FT232H connected to the chip. It implements
// st25r39.SPI.
type Device struct {
	p        port
	interval time.Duration
}

// Open the FT232H and configure SPI mode 1.
func Open(conf Config) (*Device, error) {
	var (
		ft  *ft232h.FT232H
		err error
	)
	if conf.Serial != "" {
		ft, err = ft232h.OpenMask(&ft232h.Mask{Serial: conf.Serial})
	} else {
		ft, err = ft232h.New()
	}
	if err != nil {
		return nil, fmt.Errorf("ftdi: %w", err)
	}
	p := &mpsse{ft: ft, irq: ft232h.CPin(conf.IRQ)}
	if err := p.configure(conf); err != nil {
		ft.Close()
		return nil, fmt.Errorf("ftdi: %w", err)
	}
	return newDevice(p, conf), nil
}

func newDevice(p port, conf Config) *Device {
	if conf.IRQPollInterval <= 0 {
		conf.IRQPollInterval = DefaultConfig().IRQPollInterval
	}
	return &Device{p: p, interval: conf.IRQPollInterval}
}

// Transfer writes w and reads len(r) bytes in a single chip select
// assertion.
func (d *Device) Transfer(w, r []byte) error {
	last := len(r) == 0
	if _, err := d.p.Write(w, true, last); err != nil {
		return fmt.Errorf("ftdi: write: %w", err)
	}
	if last {
		return nil
	}
	data, err := d.p.Read(uint(len(r)), false, true)
	if err != nil {
		return fmt.Errorf("ftdi: read: %w", err)
	}
	if len(data) != len(r) {
		return fmt.Errorf("ftdi: read %d bytes, expected %d", len(data), len(r))
	}
	copy(r, data)
	return nil
}

// IRQ returns the interrupt line. The FT232H cannot report edges so
// the line is polled.
func (d *Device) IRQ() *gpioirq.Polled {
	return gpioirq.NewPolled(d.p.IRQ, d.interval)
}

func (d *Device) Close() error {
	return d.p.Close()
}

type mpsse struct {
	ft  *ft232h.FT232H
	irq ft232h.CPin
}

func (m *mpsse) configure(conf Config) error {
	cfg := m.ft.SPI.GetConfig()
	cfg.Clock = spiClock
	cfg.CS = ft232h.C(conf.CS)
	cfg.Mode = 1
	cfg.ActiveLow = true
	if err := m.ft.SPI.Config(cfg); err != nil {
		return fmt.Errorf("configure SPI: %w", err)
	}
	if err := m.ft.GPIO.ConfigPin(m.irq, ft232h.Input, true); err != nil {
		return fmt.Errorf("configure IRQ pin: %w", err)
	}
	return nil
}

func (m *mpsse) Write(data []byte, start, stop bool) (uint, error) {
	return m.ft.SPI.Write(data, start, stop)
}

func (m *mpsse) Read(count uint, start, stop bool) ([]byte, error) {
	return m.ft.SPI.Read(count, start, stop)
}

func (m *mpsse) IRQ() (bool, error) {
	return m.ft.GPIO.Get(m.irq)
}

func (m *mpsse) Close() error {
	return m.ft.Close()
}
