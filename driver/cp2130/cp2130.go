// Package cp2130 drives the Silicon Labs [CP2130] USB to SPI bridge
// as a transport for a NFC front end.
//
// [CP2130]: https://www.silabs.com/documents/public/application-notes/AN792.pdf
package cp2130

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"

	"nfcdrv.dev/driver/gpioirq"
)

const (
	VendorID  = 0x10c4
	ProductID = 0x87a0

	epOut = 1
	epIn  = 2

	reqOut = 0x40 // Vendor, host to device.
	reqIn  = 0xc0 // Vendor, device to host.

	reqGetGPIOValues     = 0x20
	reqSetGPIOChipSelect = 0x25
	reqSetSPIWord        = 0x31

	// Chip select control: enable the channel, disable all others.
	csExclusive = 0x02

	// SPI word bits.
	spiCPHA     = 0b1 << 5
	spiCPOL     = 0b1 << 4
	spiPushPull = 0b1 << 3

	cmdWriteRead = 0x02
	headerSize   = 8

	numChannels = 11
)

// Clock is the SPI clock frequency.
type Clock byte

const (
	Clock12MHz Clock = iota
	Clock6MHz
	Clock3MHz
	Clock1500kHz
	Clock750kHz
	Clock375kHz
	Clock187500Hz
	Clock93750Hz
)

// Config selects the chip select channel and clock.
type Config struct {
	// Channel is the GPIO used as chip select, 0-10.
	Channel int
	Clock   Clock
	// IRQPollInterval is the sampling interval of the interrupt line.
	IRQPollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Channel:         0,
		Clock:           Clock3MHz,
		IRQPollInterval: time.Millisecond,
	}
}

// gpioBits maps GPIO numbers to their bit in the Get_GPIO_Values
// response.
var gpioBits = [numChannels]uint{3, 4, 5, 6, 7, 8, 10, 11, 12, 13, 14}

var ErrNotFound = errors.New("cp2130: no device found")

// conn is the USB transport of the bridge.
type conn interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Device is a CP2130 configured for SPI mode 1 on a single channel.
// It implements a full-duplex connection for st25r39.FullDuplex.
type Device struct {
	c        conn
	interval time.Duration
	buf      []byte
}

// Open the first CP2130 on the USB bus.
func Open(conf Config) (*Device, error) {
	c, err := openUSB()
	if err != nil {
		return nil, err
	}
	d, err := newDevice(c, conf)
	if err != nil {
		c.Close()
		return nil, err
	}
	return d, nil
}

func newDevice(c conn, conf Config) (*Device, error) {
	if conf.Channel < 0 || conf.Channel >= numChannels {
		return nil, fmt.Errorf("cp2130: invalid channel %d", conf.Channel)
	}
	if conf.IRQPollInterval <= 0 {
		conf.IRQPollInterval = DefaultConfig().IRQPollInterval
	}
	ch := byte(conf.Channel)
	// SPI mode 1: clock idles low, data sampled on the falling edge.
	word := spiCPHA | spiPushPull | byte(conf.Clock)&0b111
	if _, err := c.Control(reqOut, reqSetSPIWord, 0, 0, []byte{ch, word}); err != nil {
		return nil, fmt.Errorf("cp2130: set SPI word: %w", err)
	}
	if _, err := c.Control(reqOut, reqSetGPIOChipSelect, 0, 0, []byte{ch, csExclusive}); err != nil {
		return nil, fmt.Errorf("cp2130: set chip select: %w", err)
	}
	return &Device{c: c, interval: conf.IRQPollInterval}, nil
}

// Tx clocks out w while clocking in r. The two must have the same
// length.
func (d *Device) Tx(w, r []byte) error {
	if len(w) != len(r) {
		return fmt.Errorf("cp2130: write length %d differs from read length %d", len(w), len(r))
	}
	n := len(w)
	if cap(d.buf) < headerSize+n {
		d.buf = make([]byte, headerSize+n)
	}
	req := d.buf[:headerSize+n]
	req[0], req[1], req[2], req[3] = 0, 0, cmdWriteRead, 0
	binary.LittleEndian.PutUint32(req[4:], uint32(n))
	copy(req[headerSize:], w)
	if _, err := d.c.Write(req); err != nil {
		return fmt.Errorf("cp2130: write: %w", err)
	}
	// The response may arrive in several packets.
	for off := 0; off < n; {
		m, err := d.c.Read(r[off:])
		if err != nil {
			return fmt.Errorf("cp2130: read: %w", err)
		}
		if m == 0 {
			return fmt.Errorf("cp2130: read: short response (%d of %d bytes)", off, n)
		}
		off += m
	}
	return nil
}

// GPIO reads the level of a GPIO pin.
func (d *Device) GPIO(pin int) (bool, error) {
	if pin < 0 || pin >= numChannels {
		return false, fmt.Errorf("cp2130: invalid GPIO %d", pin)
	}
	var resp [2]byte
	n, err := d.c.Control(reqIn, reqGetGPIOValues, 0, 0, resp[:])
	if err != nil {
		return false, fmt.Errorf("cp2130: get GPIO values: %w", err)
	}
	if n != len(resp) {
		return false, fmt.Errorf("cp2130: get GPIO values: short response")
	}
	v := binary.BigEndian.Uint16(resp[:])
	return v>>gpioBits[pin]&1 == 1, nil
}

// IRQ returns the interrupt line connected to a GPIO pin. The bridge
// cannot report edges so the line is polled.
func (d *Device) IRQ(pin int) *gpioirq.Polled {
	return gpioirq.NewPolled(func() (bool, error) {
		return d.GPIO(pin)
	}, d.interval)
}

func (d *Device) Close() error {
	return d.c.Close()
}

// usbConn is the gousb transport.
type usbConn struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func openUSB() (*usbConn, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("cp2130: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, ErrNotFound
	}
	u := &usbConn{ctx: ctx, dev: dev}
	if err := u.claim(); err != nil {
		u.Close()
		return nil, fmt.Errorf("cp2130: %w", err)
	}
	return u, nil
}

func (u *usbConn) claim() error {
	if err := u.dev.SetAutoDetach(true); err != nil {
		return err
	}
	intf, done, err := u.dev.DefaultInterface()
	if err != nil {
		return err
	}
	u.intf, u.done = intf, done
	if u.out, err = intf.OutEndpoint(epOut); err != nil {
		return err
	}
	u.in, err = intf.InEndpoint(epIn)
	return err
}

func (u *usbConn) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return u.dev.Control(rType, request, val, idx, data)
}

func (u *usbConn) Write(b []byte) (int, error) {
	return u.out.Write(b)
}

func (u *usbConn) Read(b []byte) (int, error) {
	return u.in.Read(b)
}

func (u *usbConn) Close() error {
	if u.done != nil {
		u.done()
	}
	err := u.dev.Close()
	if cerr := u.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}
