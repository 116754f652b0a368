// Package gpioirq implements the interrupt line of a NFC front end,
// for use with st25r39.Device.
package gpioirq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Pin is an interrupt line connected to a periph.io GPIO pin with edge
// detection.
type Pin struct {
	p gpio.PinIn
}

// edgeTimeout bounds each wait for an edge so that context
// cancellation is noticed.
const edgeTimeout = 100 * time.Millisecond

var ErrNoPin = errors.New("gpioirq: no such pin")

// Open initializes the host drivers and opens the named pin, such as
// "GPIO25".
func Open(name string) (*Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpioirq: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPin, name)
	}
	return New(p)
}

// New configures p as an input with rising edge detection.
func New(p gpio.PinIn) (*Pin, error) {
	if err := p.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("gpioirq: %s: %w", p, err)
	}
	return &Pin{p: p}, nil
}

func (p *Pin) High() (bool, error) {
	return p.p.Read() == gpio.High, nil
}

// WaitForRisingEdge returns once the line is high.
func (p *Pin) WaitForRisingEdge(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.p.Read() == gpio.High {
			return nil
		}
		p.p.WaitForEdge(edgeTimeout)
	}
}

// Polled is an interrupt line sampled at a fixed interval, for
// bridges that cannot report edges.
type Polled struct {
	level    func() (bool, error)
	interval time.Duration
}

// NewPolled returns a line whose level is reported by level.
func NewPolled(level func() (bool, error), interval time.Duration) *Polled {
	return &Polled{level: level, interval: interval}
}

func (p *Polled) High() (bool, error) {
	return p.level()
}

// WaitForRisingEdge returns once the line is sampled high.
func (p *Polled) WaitForRisingEdge(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		high, err := p.level()
		if err != nil {
			return fmt.Errorf("gpioirq: %w", err)
		}
		if high {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
