package buspirate

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/l0nax/go-spew/spew"

	"nfcdrv.dev/driver/st25r39"
)

var pprint = spew.ConfigState{
	Indent:                  "\t",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

func TestInit(t *testing.T) {
	p := &pirate{ignore: 3}
	if _, err := New(p, Speed1MHz); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x48 | 0x01, 0x63, 0x88}
	if !bytes.Equal(p.config, want) {
		t.Errorf("configuration %x, want %x", p.config, want)
	}
}

func TestInitNoResponse(t *testing.T) {
	p := &pirate{ignore: maxResets}
	if _, err := New(p, Speed1MHz); !errors.Is(err, ErrProtocol) {
		t.Errorf("got %v, want %v", err, ErrProtocol)
	}
}

func TestTransfer(t *testing.T) {
	p := &pirate{miso: []byte{0x2a}}
	c, err := New(p, Speed4MHz)
	if err != nil {
		t.Fatal(err)
	}
	bus := st25r39.NewSPIBus(c)
	v, err := bus.ReadReg(0x3f)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x2a {
		t.Errorf("read %#02x, want 0x2a", v)
	}
	if err := bus.WriteFIFO([]byte{0x26}); err != nil {
		t.Fatal(err)
	}
	want := []transfer{
		{w: []byte{0x7f}, rlen: 1},
		{w: []byte{0x80, 0x26}},
	}
	if pprint.Sdump(p.transfers) != pprint.Sdump(want) {
		t.Errorf("transfers\n%s\nwant\n%s", pprint.Sdump(p.transfers), pprint.Sdump(want))
	}
}

func TestTransferTooLarge(t *testing.T) {
	c, err := New(new(pirate), Speed4MHz)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Transfer(make([]byte, maxTransfer+1), nil); err == nil {
		t.Error("transferred more than the Bus Pirate buffer")
	}
}

func TestTransferNAK(t *testing.T) {
	p := new(pirate)
	c, err := New(p, Speed4MHz)
	if err != nil {
		t.Fatal(err)
	}
	p.nak = true
	if err := c.Transfer([]byte{0x01}, nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("got %v, want %v", err, ErrProtocol)
	}
}

func TestClose(t *testing.T) {
	p := new(pirate)
	c, err := New(p, Speed4MHz)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !p.reset {
		t.Error("Bus Pirate not reset")
	}
}

type transfer struct {
	w    []byte
	rlen int
}

// pirate emulates the binary mode of a Bus Pirate.
type pirate struct {
	// ignore is the number of resets consumed by the terminal.
	ignore int
	miso   []byte
	nak    bool

	bbio, spi bool
	reset     bool
	config    []byte
	transfers []transfer
	out       bytes.Buffer
}

func (p *pirate) Write(b []byte) (int, error) {
	switch {
	case len(b) == 1 && b[0] == cmdReset:
		if p.ignore > 0 {
			p.ignore--
			break
		}
		p.bbio, p.spi = true, false
		p.out.WriteString("BBIO1")
	case len(b) == 2 && b[0] == cmdReset && b[1] == cmdHardReset:
		p.bbio, p.spi, p.reset = false, false, true
	case !p.bbio:
	case !p.spi && len(b) == 1 && b[0] == cmdSPI:
		p.spi = true
		p.out.WriteString("SPI1")
	case p.spi && b[0] == cmdWriteRead && len(b) >= 5:
		wlen := int(b[1])<<8 | int(b[2])
		rlen := int(b[3])<<8 | int(b[4])
		if p.nak || len(b) != 5+wlen {
			p.out.WriteByte(0x00)
			break
		}
		tr := transfer{rlen: rlen}
		if wlen > 0 {
			tr.w = append([]byte(nil), b[5:]...)
		}
		p.transfers = append(p.transfers, tr)
		p.out.WriteByte(ack)
		for i := 0; i < rlen; i++ {
			var v byte
			if i < len(p.miso) {
				v = p.miso[i]
			}
			p.out.WriteByte(v)
		}
	case p.spi && len(b) == 1 && b[0]&0xf0 >= cmdPeripherals:
		p.config = append(p.config, b[0])
		p.out.WriteByte(ack)
	}
	return len(b), nil
}

func (p *pirate) Read(b []byte) (int, error) {
	if p.out.Len() == 0 {
		return 0, io.EOF
	}
	return p.out.Read(b)
}
