package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"nfcdrv.dev/driver/buspirate"
	"nfcdrv.dev/driver/cp2130"
	"nfcdrv.dev/driver/ftdi"
	"nfcdrv.dev/driver/gpioirq"
	"nfcdrv.dev/driver/spidev"
	"nfcdrv.dev/driver/st25r39"
	"nfcdrv.dev/internal/bustrace"
)

const spiFreq = 5 * physic.MegaHertz

// transport is the connection to the reader chip.
type transport struct {
	bus     st25r39.Bus
	irq     st25r39.IRQ
	closers []io.Closer
	trace   *bustrace.Recorder
}

func (t *transport) Close() error {
	var err error
	if t.trace != nil {
		err = t.trace.Err()
	}
	for i := len(t.closers) - 1; i >= 0; i-- {
		if cerr := t.closers[i].Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to close transport")
	}
	return err
}

func openTransport() (*transport, error) {
	t := new(transport)
	if *replay != "" {
		if err := t.openReplay(*replay); err != nil {
			t.Close()
			return nil, err
		}
		return t, nil
	}
	if err := t.open(); err != nil {
		t.Close()
		return nil, err
	}
	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.closers = append(t.closers, f)
		rec, err := bustrace.NewRecorder(t.bus, f)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.bus, t.trace = rec, rec
	}
	return t, nil
}

func (t *transport) open() error {
	switch *backend {
	case "spi", "i2c":
		if _, err := host.Init(); err != nil {
			return err
		}
		if *backend == "spi" {
			p, err := spireg.Open(*busName)
			if err != nil {
				return err
			}
			t.closers = append(t.closers, p)
			c, err := p.Connect(spiFreq, spi.Mode1, 8)
			if err != nil {
				return err
			}
			t.bus = st25r39.NewSPIBus(st25r39.FullDuplex(c))
		} else {
			b, err := i2creg.Open(*busName)
			if err != nil {
				return err
			}
			t.closers = append(t.closers, b)
			t.bus = st25r39.NewI2CBus(b)
		}
		return t.openIRQ()
	case "spidev":
		dev := *busName
		if dev == "" {
			dev = "/dev/spidev0.0"
		}
		c, err := spidev.Open(dev, 0)
		if err != nil {
			return err
		}
		t.closers = append(t.closers, c)
		t.bus = st25r39.NewSPIBus(c)
		return t.openIRQ()
	case "buspirate":
		dev := *busName
		if dev == "" {
			dev = "/dev/ttyUSB0"
		}
		c, err := buspirate.Open(dev, buspirate.Speed4MHz)
		if err != nil {
			return err
		}
		t.closers = append(t.closers, c)
		t.bus = st25r39.NewSPIBus(c)
		return t.openIRQ()
	case "cp2130":
		conf := cp2130.DefaultConfig()
		conf.Channel = *csChannel
		d, err := cp2130.Open(conf)
		if err != nil {
			return err
		}
		t.closers = append(t.closers, d)
		t.bus = st25r39.NewSPIBus(st25r39.FullDuplex(d))
		t.irq = d.IRQ(*irqGPIO)
		return nil
	case "ftdi":
		conf := ftdi.DefaultConfig()
		conf.Serial = *busName
		d, err := ftdi.Open(conf)
		if err != nil {
			return err
		}
		t.closers = append(t.closers, d)
		t.bus = st25r39.NewSPIBus(d)
		t.irq = d.IRQ()
		return nil
	default:
		return fmt.Errorf("unknown transport %q", *backend)
	}
}

func (t *transport) openIRQ() error {
	if *irqSysfs >= 0 {
		s, err := gpioirq.OpenSysfs(*irqSysfs)
		if err != nil {
			return err
		}
		t.closers = append(t.closers, s)
		t.irq = s
		return nil
	}
	p, err := gpioirq.Open(*irqPin)
	if err != nil {
		return err
	}
	t.irq = p
	return nil
}

func (t *transport) openReplay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	t.closers = append(t.closers, f)
	rep, err := bustrace.NewReplayer(f)
	if err != nil {
		return err
	}
	t.bus = rep
	t.irq = replayIRQ{}
	return nil
}

// replayIRQ is the interrupt line during replay. The interrupt status
// registers are replayed from the trace, so the line is always high.
type replayIRQ struct{}

func (replayIRQ) High() (bool, error) {
	return true, nil
}

func (replayIRQ) WaitForRisingEdge(ctx context.Context) error {
	return ctx.Err()
}
