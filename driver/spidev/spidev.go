// Package spidev connects a NFC front end through the Linux spidev
// interface.
package spidev

import (
	"fmt"

	"golang.org/x/exp/io/spi"

	"nfcdrv.dev/driver/st25r39"
)

// DefaultMaxSpeed is the default SPI clock frequency in Hz.
const DefaultMaxSpeed = 5_000_000

type device interface {
	st25r39.FullDuplexConn
	Close() error
}

// Conn is a spidev device in SPI mode 1. It implements st25r39.SPI.
type Conn struct {
	dev device
	spi st25r39.SPI
}

// Open a spidev device such as /dev/spidev0.0. A zero maxSpeed selects
// DefaultMaxSpeed.
func Open(dev string, maxSpeed int64) (*Conn, error) {
	if maxSpeed <= 0 {
		maxSpeed = DefaultMaxSpeed
	}
	d, err := spi.Open(&spi.Devfs{
		Dev:      dev,
		Mode:     spi.Mode1,
		MaxSpeed: maxSpeed,
	})
	if err != nil {
		return nil, fmt.Errorf("spidev: %w", err)
	}
	if err := d.SetBitsPerWord(8); err != nil {
		d.Close()
		return nil, fmt.Errorf("spidev: %w", err)
	}
	return newConn(d), nil
}

func newConn(d device) *Conn {
	return &Conn{dev: d, spi: st25r39.FullDuplex(d)}
}

func (c *Conn) Transfer(w, r []byte) error {
	if err := c.spi.Transfer(w, r); err != nil {
		return fmt.Errorf("spidev: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	return c.dev.Close()
}
