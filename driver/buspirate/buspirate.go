// Package buspirate drives a [Bus Pirate] in binary SPI mode as the
// transport of a NFC front end. The Bus Pirate has no interrupt input,
// so pair it with a separate IRQ line such as a gpioirq.Sysfs.
//
// [Bus Pirate]: http://dangerousprototypes.com/docs/SPI_(binary)
package buspirate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Speed is the SPI clock speed setting.
type Speed byte

const (
	Speed30kHz Speed = iota
	Speed125kHz
	Speed250kHz
	Speed1MHz
	Speed2MHz
	Speed2600kHz
	Speed4MHz
	Speed8MHz
)

const (
	baudRate    = 115200
	readTimeout = 100 * time.Millisecond

	cmdReset       = 0x00
	cmdSPI         = 0x01
	cmdHardReset   = 0x0f
	cmdWriteRead   = 0x04
	cmdPeripherals = 0x40
	cmdSpeed       = 0x60
	cmdConfig      = 0x80

	// Peripheral bits.
	periphPower = 0b1 << 3
	periphCS    = 0b1 << 0

	// Configuration bits. SPI mode 1 has the clock idling low
	// (CKP = 0) with output changing on the idle to active edge
	// (CKE = 0).
	confOutput3V3 = 0b1 << 3

	ack = 0x01

	// Bit bang mode is entered within 20 resets.
	maxResets = 20
	// Largest write-then-read transfer.
	maxTransfer = 4096
)

var (
	bbioVersion = []byte("BBIO1")
	spiVersion  = []byte("SPI1")

	ErrProtocol = errors.New("buspirate: protocol error")
)

// Conn is a Bus Pirate in binary SPI mode. It implements st25r39.SPI.
type Conn struct {
	port io.ReadWriter
	c    io.Closer
	buf  []byte
}

// Open the Bus Pirate connected to a serial port, such as
// /dev/ttyUSB0.
func Open(dev string, speed Speed) (*Conn, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        dev,
		Baud:        baudRate,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("buspirate: %w", err)
	}
	c, err := New(p, speed)
	if err != nil {
		p.Close()
		return nil, err
	}
	c.c = p
	return c, nil
}

// New enters binary SPI mode on a Bus Pirate connection.
func New(port io.ReadWriter, speed Speed) (*Conn, error) {
	c := &Conn{port: port}
	if err := c.init(speed); err != nil {
		return nil, fmt.Errorf("buspirate: %w", err)
	}
	return c, nil
}

func (c *Conn) init(speed Speed) error {
	if err := c.enterBitBang(); err != nil {
		return err
	}
	if err := c.expect([]byte{cmdSPI}, spiVersion); err != nil {
		return fmt.Errorf("enter SPI mode: %w", err)
	}
	for _, cmd := range []byte{
		cmdPeripherals | periphPower | periphCS,
		cmdSpeed | byte(speed)&0b111,
		cmdConfig | confOutput3V3,
	} {
		if err := c.expect([]byte{cmd}, []byte{ack}); err != nil {
			return fmt.Errorf("command %#02x: %w", cmd, err)
		}
	}
	return nil
}

func (c *Conn) enterBitBang() error {
	var resp [5]byte
	for i := 0; i < maxResets; i++ {
		if _, err := c.port.Write([]byte{cmdReset}); err != nil {
			return err
		}
		if _, err := io.ReadFull(c.port, resp[:]); err != nil {
			// No response yet; the terminal may still be
			// consuming the resets.
			continue
		}
		if bytes.Equal(resp[:], bbioVersion) {
			return nil
		}
	}
	return fmt.Errorf("enter bit bang mode: %w", ErrProtocol)
}

func (c *Conn) expect(req, want []byte) error {
	if _, err := c.port.Write(req); err != nil {
		return err
	}
	resp := make([]byte, len(want))
	if _, err := io.ReadFull(c.port, resp); err != nil {
		return err
	}
	if !bytes.Equal(resp, want) {
		return fmt.Errorf("%w: response %x, expected %x", ErrProtocol, resp, want)
	}
	return nil
}

// Transfer writes w and reads len(r) bytes with chip select asserted.
func (c *Conn) Transfer(w, r []byte) error {
	if len(w) > maxTransfer || len(r) > maxTransfer {
		return fmt.Errorf("buspirate: transfer of %d+%d bytes too large", len(w), len(r))
	}
	req := append(c.buf[:0], cmdWriteRead,
		byte(len(w)>>8), byte(len(w)),
		byte(len(r)>>8), byte(len(r)),
	)
	req = append(req, w...)
	c.buf = req
	if _, err := c.port.Write(req); err != nil {
		return fmt.Errorf("buspirate: %w", err)
	}
	var status [1]byte
	if _, err := io.ReadFull(c.port, status[:]); err != nil {
		return fmt.Errorf("buspirate: %w", err)
	}
	if status[0] != ack {
		return fmt.Errorf("buspirate: transfer: %w: status %#02x", ErrProtocol, status[0])
	}
	if _, err := io.ReadFull(c.port, r); err != nil {
		return fmt.Errorf("buspirate: %w", err)
	}
	return nil
}

// Close returns the Bus Pirate to its terminal and closes the port.
func (c *Conn) Close() error {
	_, err := c.port.Write([]byte{cmdReset, cmdHardReset})
	if c.c != nil {
		if cerr := c.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
