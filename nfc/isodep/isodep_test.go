package isodep

import (
	"bytes"
	"errors"
	"testing"

	"github.com/l0nax/go-spew/spew"
)

var pprint = spew.ConfigState{
	Indent:                  "\t",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

func TestFSC(t *testing.T) {
	want := []int{16, 24, 32, 40, 48, 64, 96, 128, 256}
	for fsci, fsc := range want {
		got, err := FSC(fsci)
		if err != nil {
			t.Fatalf("FSC(%d): %v", fsci, err)
		}
		if got != fsc {
			t.Errorf("FSC(%d) = %d, want %d", fsci, got, fsc)
		}
	}
	for _, fsci := range []int{-1, 9, 15} {
		if _, err := FSC(fsci); !errors.Is(err, ErrProtocol) {
			t.Errorf("FSC(%d) = %v, want %v", fsci, err, ErrProtocol)
		}
	}
}

func TestActivate(t *testing.T) {
	const base = 4096 << 4
	tests := []struct {
		name string
		ats  []byte
		fsc  int
		fwt  uint32
	}{
		{"minimal", []byte{0x02, 0x05}, 64, base},
		{"tb", []byte{0x03, 0x28, 0x70}, 256, 4096 << 7},
		{"ta-tb-tc", []byte{0x05, 0x78, 0x80, 0x81, 0x02}, 256, 4096 << 8},
		// FWI 15 is reserved.
		{"reserved-fwi", []byte{0x03, 0x20, 0xf0}, 16, base},
		{"missing-tb", []byte{0x02, 0x21}, 24, base},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tag := &fakeTag{fwt: base, ats: test.ats}
			s, err := New(tag)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := tag.reqs[0], []byte{0xe0, 0x80}; !bytes.Equal(got, want) {
				t.Errorf("RATS %x, want %x", got, want)
			}
			if got := s.FSC(); got != test.fsc {
				t.Errorf("FSC %d, want %d", got, test.fsc)
			}
			if tag.fwt != test.fwt {
				t.Errorf("FWT %d, want %d", tag.fwt, test.fwt)
			}
		})
	}
}

func TestActivateInvalid(t *testing.T) {
	for _, ats := range [][]byte{
		{},
		{0x01},
		{0x02, 0x09},
	} {
		tag := &fakeTag{ats: ats}
		if _, err := New(tag); !errors.Is(err, ErrProtocol) {
			t.Errorf("ATS %x: got %v, want %v", ats, err, ErrProtocol)
		}
	}
	tag := &fakeTag{ats: []byte{0x02, 0x08}, err: errNoCard}
	if _, err := New(tag); !errors.Is(err, errNoCard) {
		t.Errorf("RATS error: got %v, want %v", err, errNoCard)
	}
}

func TestBlockNumber(t *testing.T) {
	tag := &fakeTag{ats: []byte{0x02, 0x08}}
	tag.handle = func(req []byte) []byte {
		return append([]byte{req[0]}, 0x90, 0x00)
	}
	s, err := New(tag)
	if err != nil {
		t.Fatal(err)
	}
	var rx [16]byte
	for i := 0; i < 4; i++ {
		n, err := s.Transceive([]byte{0x00, 0xa4}, rx[:])
		if err != nil {
			t.Fatal(err)
		}
		if got, want := rx[:n], []byte{0x90, 0x00}; !bytes.Equal(got, want) {
			t.Errorf("response %x, want %x", got, want)
		}
	}
	var pcbs []byte
	for _, req := range tag.reqs[1:] {
		pcbs = append(pcbs, req[0])
	}
	if want := []byte{0x02, 0x03, 0x02, 0x03}; !bytes.Equal(pcbs, want) {
		t.Errorf("block headers %x, want %x", pcbs, want)
	}
}

func TestFrameSizeLimit(t *testing.T) {
	tests := []struct {
		maxFrame int
		rats     []byte
		fsd      int
	}{
		{0, []byte{0xe0, 0x80}, 256},
		{512, []byte{0xe0, 0x80}, 256},
		{96, []byte{0xe0, 0x60}, 96},
		{100, []byte{0xe0, 0x60}, 96},
		{8, []byte{0xe0, 0x00}, 16},
	}
	for _, test := range tests {
		tag := &fakeTag{ats: []byte{0x02, 0x08}, maxFrame: test.maxFrame}
		s, err := New(tag)
		if err != nil {
			t.Fatal(err)
		}
		if got := tag.reqs[0]; !bytes.Equal(got, test.rats) {
			t.Errorf("frame limit %d: RATS %x, want %x", test.maxFrame, got, test.rats)
		}
		if got := s.FSD(); got != test.fsd {
			t.Errorf("frame limit %d: FSD %d, want %d", test.maxFrame, got, test.fsd)
		}
	}
}

func TestWaitingTimeExtension(t *testing.T) {
	const base = 4096 << 4
	tag := &fakeTag{fwt: base, ats: []byte{0x02, 0x08}}
	wtx := 2
	var pcb byte
	tag.handle = func(req []byte) []byte {
		if req[0]&^1 == 0x02 {
			pcb = req[0]
		}
		if wtx > 0 {
			wtx--
			// CID bits set in the multiplier byte must be masked off.
			return []byte{0xf2, 0xc3}
		}
		// Answer the I-block, not the last S(WTX) response.
		return []byte{pcb, 0x01}
	}
	s, err := New(tag)
	if err != nil {
		t.Fatal(err)
	}
	var rx [4]byte
	n, err := s.Transceive([]byte{0xaa}, rx[:])
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rx[:n], []byte{0x01}; !bytes.Equal(got, want) {
		t.Errorf("response %x, want %x", got, want)
	}
	want := [][]byte{
		{0xe0, 0x80},
		{0x02, 0xaa},
		{0xf2, 0x03},
		{0xf2, 0x03},
	}
	if !equalFrames(tag.reqs, want) {
		t.Errorf("requests\n%s\nwant\n%s", pprint.Sdump(tag.reqs), pprint.Sdump(want))
	}
	wantFWTs := []uint32{base, base, 3 * base, 3 * base}
	if !equalUint32s(tag.fwts, wantFWTs) {
		t.Errorf("frame wait times %v, want %v", tag.fwts, wantFWTs)
	}
	if tag.fwt != base {
		t.Errorf("frame wait time %d not restored to %d", tag.fwt, base)
	}
	// A single I-block was exchanged.
	if s.spin != 1 {
		t.Errorf("block number %d after one exchange", s.spin)
	}
}

func TestWaitingTimeExtensionZero(t *testing.T) {
	const base = 4096 << 4
	tag := &fakeTag{fwt: base, ats: []byte{0x02, 0x08}}
	first := true
	tag.handle = func(req []byte) []byte {
		if first {
			first = false
			return []byte{0xf2, 0x00}
		}
		// The first I-block carries block number 0.
		return []byte{0x02}
	}
	s, err := New(tag)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transceive([]byte{0xaa}, nil); err != nil {
		t.Fatal(err)
	}
	if got := tag.fwts[len(tag.fwts)-1]; got != base {
		t.Errorf("frame wait time %d for WTXM 0, want %d", got, base)
	}
}

func TestMalformedWaitingTimeExtension(t *testing.T) {
	tag := &fakeTag{ats: []byte{0x02, 0x08}}
	tag.handle = func(req []byte) []byte {
		return []byte{0xf2, 0x01, 0x00}
	}
	s, err := New(tag)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transceive([]byte{0xaa}, nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("got %v, want %v", err, ErrProtocol)
	}
}

func TestFrameSize(t *testing.T) {
	// FSCI 0 limits frames to 16 bytes including header and CRC.
	tag := &fakeTag{ats: []byte{0x02, 0x00}}
	tag.handle = func(req []byte) []byte {
		return []byte{req[0]}
	}
	s, err := New(tag)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transceive(make([]byte, 13), nil); err != nil {
		t.Errorf("13 byte payload: %v", err)
	}
	reqs := len(tag.reqs)
	if _, err := s.Transceive(make([]byte, 14), nil); !errors.Is(err, ErrTxFrameTooBig) {
		t.Errorf("14 byte payload: got %v, want %v", err, ErrTxFrameTooBig)
	}
	if len(tag.reqs) != reqs {
		t.Error("oversized frame was transmitted")
	}
}

func TestUnsupportedBlock(t *testing.T) {
	tag := &fakeTag{ats: []byte{0x02, 0x08}}
	tag.handle = func(req []byte) []byte {
		// R(ACK) block.
		return []byte{0xa2}
	}
	s, err := New(tag)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transceive([]byte{0xaa}, nil); !errors.Is(err, ErrUnsupportedBlock) {
		t.Errorf("got %v, want %v", err, ErrUnsupportedBlock)
	}
	if s.spin != 0 {
		t.Error("block number toggled by a failed exchange")
	}
}

func TestResponseTooBig(t *testing.T) {
	tag := &fakeTag{ats: []byte{0x02, 0x08}}
	tag.handle = func(req []byte) []byte {
		return []byte{req[0], 1, 2, 3}
	}
	s, err := New(tag)
	if err != nil {
		t.Fatal(err)
	}
	var rx [2]byte
	if _, err := s.Transceive([]byte{0xaa}, rx[:]); !errors.Is(err, ErrRxFrameTooBig) {
		t.Errorf("got %v, want %v", err, ErrRxFrameTooBig)
	}
}

func TestDeselect(t *testing.T) {
	tag := &fakeTag{ats: []byte{0x02, 0x08}}
	tag.handle = func(req []byte) []byte {
		return req
	}
	s, err := New(tag)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Deselect(); err != nil {
		t.Fatal(err)
	}
	if got, want := tag.reqs[len(tag.reqs)-1], []byte{0xc2}; !bytes.Equal(got, want) {
		t.Errorf("deselect request %x, want %x", got, want)
	}
	tag.handle = func(req []byte) []byte {
		return []byte{0xc3}
	}
	if err := s.Deselect(); !errors.Is(err, ErrProtocol) {
		t.Errorf("got %v, want %v", err, ErrProtocol)
	}
}

var errNoCard = errors.New("no card")

// fakeTag is a selected ISO-DEP card. It answers RATS with ats and
// every other frame through handle.
type fakeTag struct {
	ats    []byte
	handle func(req []byte) []byte
	err    error
	fwt    uint32
	// maxFrame limits the received frame size, if non-zero.
	maxFrame int

	reqs [][]byte
	fwts []uint32
}

func (t *fakeTag) Transceive(tx, rx []byte) (int, error) {
	t.reqs = append(t.reqs, append([]byte(nil), tx...))
	t.fwts = append(t.fwts, t.fwt)
	if t.err != nil {
		return 0, t.err
	}
	var resp []byte
	if len(t.reqs) == 1 {
		resp = t.ats
	} else {
		resp = t.handle(tx)
	}
	if len(resp) > len(rx) {
		return 0, errors.New("response too long")
	}
	return copy(rx, resp), nil
}

func (t *fakeTag) MaxFrameSize() int {
	return t.maxFrame
}

func (t *fakeTag) SetFrameWaitTime(fc uint32) {
	t.fwt = fc
}

func (t *fakeTag) FrameWaitTime() uint32 {
	return t.fwt
}

func equalFrames(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalUint32s(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
