package st25r39

import "fmt"

// Bus is the register-level access to the chip. Register addresses
// with bit 7 set are in register space B, addresses with bit 6 set are
// test registers. Both are only meaningful on the ST25R3916.
type Bus interface {
	ReadReg(addr uint8) (byte, error)
	WriteReg(addr uint8, val byte) error
	// Command issues a direct command. The opcode includes the
	// command mode prefix 0b11.
	Command(op uint8) error
	ReadFIFO(buf []byte) error
	WriteFIFO(buf []byte) error
}

// SPI is a single half-duplex transaction: chip select is asserted, w
// is clocked out, len(r) bytes are clocked in and chip select is
// released. The chip expects SPI mode 1.
type SPI interface {
	Transfer(w, r []byte) error
}

// I2C matches the transaction method of periph.io i2c.Bus.
type I2C interface {
	Tx(addr uint16, w, r []byte) error
}

// BusError reports a transport failure talking to the chip.
type BusError struct {
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("st25r39: bus: %v", e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// Serial interface modes, see table 11 in the ST25R3916 datasheet.
// Commands already include their mode bits.
const (
	modeWriteReg = 0b00 << 6
	modeReadReg  = 0b01 << 6
	modeFIFO     = 0b10 << 6

	loadFIFO = modeFIFO | 0b000000

	// I2C device address of the ST25R3916.
	i2cAddr = 0x50

	// Register address flags. Register addresses are 6 bits wide.
	spaceB    = 0b1 << 7
	testSpace = 0b1 << 6
	regMask   = 0b111111
)

// framer builds the request bytes shared by the SPI and I2C framing.
type framer struct {
	scratch []byte
}

func (f *framer) reg(mode, addr uint8, val ...byte) []byte {
	req := f.scratch[:0]
	switch {
	case addr&spaceB != 0:
		req = append(req, cmdSpaceB)
	case addr&testSpace != 0:
		req = append(req, cmdTestAccess)
	}
	req = append(req, mode|addr&regMask)
	req = append(req, val...)
	f.scratch = req
	return req
}

func (f *framer) op(op byte, data []byte) []byte {
	req := append(f.scratch[:0], op)
	req = append(req, data...)
	f.scratch = req
	return req
}

// SPIBus implements Bus over SPI.
type SPIBus struct {
	spi SPI
	f   framer
}

func NewSPIBus(spi SPI) *SPIBus {
	return &SPIBus{spi: spi}
}

func (b *SPIBus) ReadReg(addr uint8) (byte, error) {
	var res [1]byte
	err := b.spi.Transfer(b.f.reg(modeReadReg, addr), res[:])
	return res[0], err
}

func (b *SPIBus) WriteReg(addr uint8, val byte) error {
	return b.spi.Transfer(b.f.reg(modeWriteReg, addr, val), nil)
}

func (b *SPIBus) Command(op uint8) error {
	return b.spi.Transfer(b.f.op(op, nil), nil)
}

func (b *SPIBus) ReadFIFO(buf []byte) error {
	return b.spi.Transfer(b.f.op(readFIFO, nil), buf)
}

func (b *SPIBus) WriteFIFO(buf []byte) error {
	return b.spi.Transfer(b.f.op(loadFIFO, buf), nil)
}

// I2CBus implements Bus over I2C. Only the ST25R3916 has an I2C
// interface.
type I2CBus struct {
	i2c  I2C
	addr uint16
	f    framer
}

func NewI2CBus(i2c I2C) *I2CBus {
	return &I2CBus{i2c: i2c, addr: i2cAddr}
}

func (b *I2CBus) ReadReg(addr uint8) (byte, error) {
	var res [1]byte
	err := b.i2c.Tx(b.addr, b.f.reg(modeReadReg, addr), res[:])
	return res[0], err
}

func (b *I2CBus) WriteReg(addr uint8, val byte) error {
	return b.i2c.Tx(b.addr, b.f.reg(modeWriteReg, addr, val), nil)
}

func (b *I2CBus) Command(op uint8) error {
	return b.i2c.Tx(b.addr, b.f.op(op, nil), nil)
}

func (b *I2CBus) ReadFIFO(buf []byte) error {
	return b.i2c.Tx(b.addr, b.f.op(readFIFO, nil), buf)
}

func (b *I2CBus) WriteFIFO(buf []byte) error {
	return b.i2c.Tx(b.addr, b.f.op(loadFIFO, buf), nil)
}

// FullDuplexConn is a full-duplex connection where len(w) == len(r),
// such as a periph.io spi.Conn or a golang.org/x/exp/io/spi Device.
type FullDuplexConn interface {
	Tx(w, r []byte) error
}

// FullDuplex adapts a full-duplex connection to SPI.
func FullDuplex(c FullDuplexConn) SPI {
	return &fullDuplex{c: c}
}

type fullDuplex struct {
	c   FullDuplexConn
	buf []byte
}

func (f *fullDuplex) Transfer(w, r []byte) error {
	n := len(w) + len(r)
	if cap(f.buf) < 2*n {
		f.buf = make([]byte, 2*n)
	}
	tx, rx := f.buf[:n], f.buf[n:2*n]
	copy(tx, w)
	clear(tx[len(w):])
	if err := f.c.Tx(tx, rx); err != nil {
		return err
	}
	copy(r, rx[len(w):])
	return nil
}
