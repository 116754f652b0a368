package cp2130

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"nfcdrv.dev/driver/st25r39"
)

func TestConfigure(t *testing.T) {
	c := new(fakeUSB)
	conf := DefaultConfig()
	conf.Channel = 2
	conf.Clock = Clock1500kHz
	if _, err := newDevice(c, conf); err != nil {
		t.Fatal(err)
	}
	want := []control{
		{reqOut, reqSetSPIWord, []byte{0x02, 0b0010_1011}},
		{reqOut, reqSetGPIOChipSelect, []byte{0x02, 0x02}},
	}
	if len(c.controls) != len(want) {
		t.Fatalf("got %d control requests, want %d", len(c.controls), len(want))
	}
	for i, w := range want {
		got := c.controls[i]
		if got.rType != w.rType || got.req != w.req || !bytes.Equal(got.data, w.data) {
			t.Errorf("control %d: got %+v, want %+v", i, got, w)
		}
	}
}

func TestInvalidChannel(t *testing.T) {
	conf := DefaultConfig()
	conf.Channel = 11
	if _, err := newDevice(new(fakeUSB), conf); err == nil {
		t.Error("configured channel 11")
	}
}

func TestTx(t *testing.T) {
	c := &fakeUSB{packet: 3}
	d, err := newDevice(c, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	w := []byte{0x4a, 0x00, 0x00, 0x00, 0x00}
	r := make([]byte, len(w))
	if err := d.Tx(w, r); err != nil {
		t.Fatal(err)
	}
	wantReq := []byte{0x00, 0x00, 0x02, 0x00, 0x05, 0x00, 0x00, 0x00, 0x4a, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(c.written, wantReq) {
		t.Errorf("request %x, want %x", c.written, wantReq)
	}
	if !bytes.Equal(r, w) {
		t.Errorf("read %x, want loopback %x", r, w)
	}
}

func TestTxShortResponse(t *testing.T) {
	c := &fakeUSB{truncate: 2}
	d, err := newDevice(c, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Tx(make([]byte, 4), make([]byte, 4)); err == nil {
		t.Error("accepted a short response")
	}
	if err := d.Tx(make([]byte, 4), make([]byte, 2)); err == nil {
		t.Error("accepted mismatched lengths")
	}
}

func TestFullDuplexBus(t *testing.T) {
	c := new(fakeUSB)
	d, err := newDevice(c, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	bus := st25r39.NewSPIBus(st25r39.FullDuplex(d))
	if err := bus.WriteReg(0x05, 0x01); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x00, 0x02, 0x00, 0x02, 0x00, 0x00, 0x00, 0x05, 0x01}
	if !bytes.Equal(c.written, want) {
		t.Errorf("request %x, want %x", c.written, want)
	}
}

func TestGPIO(t *testing.T) {
	c := new(fakeUSB)
	d, err := newDevice(c, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	// GPIO.6 is bit 10.
	c.gpio = 0b1 << 10
	for pin := 0; pin < numChannels; pin++ {
		high, err := d.GPIO(pin)
		if err != nil {
			t.Fatal(err)
		}
		if high != (pin == 6) {
			t.Errorf("GPIO.%d = %v", pin, high)
		}
	}
	if err := d.IRQ(6).WaitForRisingEdge(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GPIO(11); err == nil {
		t.Error("read GPIO.11")
	}
}

func TestGPIOError(t *testing.T) {
	c := new(fakeUSB)
	d, err := newDevice(c, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	errPipe := errors.New("pipe error")
	c.err = errPipe
	if _, err := d.IRQ(0).High(); !errors.Is(err, errPipe) {
		t.Errorf("got %v, want %v", err, errPipe)
	}
}

type control struct {
	rType, req uint8
	data       []byte
}

// fakeUSB loops MOSI back to MISO.
type fakeUSB struct {
	controls []control
	written  []byte
	pending  []byte
	gpio     uint16
	// packet is the bulk IN packet size, 0 for unlimited.
	packet int
	// truncate limits the response length.
	truncate int
	err      error
	closed   bool
}

func (f *fakeUSB) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.controls = append(f.controls, control{rType, request, append([]byte(nil), data...)})
	if request == reqGetGPIOValues {
		data[0], data[1] = byte(f.gpio>>8), byte(f.gpio)
	}
	return len(data), nil
}

func (f *fakeUSB) Write(b []byte) (int, error) {
	f.written = append(f.written[:0], b...)
	f.pending = append(f.pending[:0], b[headerSize:]...)
	if f.truncate > 0 {
		f.pending = f.pending[:f.truncate]
	}
	return len(b), nil
}

func (f *fakeUSB) Read(b []byte) (int, error) {
	n := len(f.pending)
	if f.packet > 0 {
		n = min(n, f.packet)
	}
	n = copy(b, f.pending[:n])
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeUSB) Close() error {
	f.closed = true
	return nil
}
