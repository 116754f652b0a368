// Package bustrace records the register level traffic of a
// st25r39.Bus and replays it, for reproducing hardware sessions without
// hardware.
//
// A trace is a sequence of CBOR encoded operations.
package bustrace

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"nfcdrv.dev/driver/st25r39"
)

// Kind is the bus method of an operation.
type Kind uint8

const (
	ReadReg Kind = iota + 1
	WriteReg
	Command
	ReadFIFO
	WriteFIFO
)

func (k Kind) String() string {
	switch k {
	case ReadReg:
		return "ReadReg"
	case WriteReg:
		return "WriteReg"
	case Command:
		return "Command"
	case ReadFIFO:
		return "ReadFIFO"
	case WriteFIFO:
		return "WriteFIFO"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Op is a single bus operation. Addr is the register address or the
// command opcode. Data is the register value or FIFO contents.
type Op struct {
	_    struct{} `cbor:",toarray"`
	Kind Kind
	Addr uint8
	Data []byte
	// Err is the failure message of the operation, if any.
	Err string
}

func (o Op) String() string {
	s := fmt.Sprintf("%v(%#02x) %x", o.Kind, o.Addr, o.Data)
	if o.Err != "" {
		s += ": " + o.Err
	}
	return s
}

var (
	// ErrMismatch is returned when the replayed traffic diverges
	// from the trace.
	ErrMismatch = errors.New("bustrace: traffic diverges from trace")
	// ErrEnd is returned for operations beyond the end of the trace.
	ErrEnd = errors.New("bustrace: end of trace")
)

// Recorder is a Bus that writes the traffic of another Bus to a trace.
type Recorder struct {
	bus st25r39.Bus
	enc *cbor.Encoder
	err error
}

func NewRecorder(bus st25r39.Bus, w io.Writer) (*Recorder, error) {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("bustrace: %w", err)
	}
	return &Recorder{bus: bus, enc: mode.NewEncoder(w)}, nil
}

// Err returns the first failure to write the trace.
func (r *Recorder) Err() error {
	return r.err
}

func (r *Recorder) record(op Op, err error) {
	if err != nil {
		op.Err = err.Error()
	}
	if r.err != nil {
		return
	}
	if err := r.enc.Encode(op); err != nil {
		r.err = fmt.Errorf("bustrace: %w", err)
	}
}

func (r *Recorder) ReadReg(addr uint8) (byte, error) {
	v, err := r.bus.ReadReg(addr)
	r.record(Op{Kind: ReadReg, Addr: addr, Data: []byte{v}}, err)
	return v, err
}

func (r *Recorder) WriteReg(addr uint8, val byte) error {
	err := r.bus.WriteReg(addr, val)
	r.record(Op{Kind: WriteReg, Addr: addr, Data: []byte{val}}, err)
	return err
}

func (r *Recorder) Command(op uint8) error {
	err := r.bus.Command(op)
	r.record(Op{Kind: Command, Addr: op}, err)
	return err
}

func (r *Recorder) ReadFIFO(buf []byte) error {
	err := r.bus.ReadFIFO(buf)
	r.record(Op{Kind: ReadFIFO, Data: buf}, err)
	return err
}

func (r *Recorder) WriteFIFO(buf []byte) error {
	err := r.bus.WriteFIFO(buf)
	r.record(Op{Kind: WriteFIFO, Data: buf}, err)
	return err
}

// Replayer is a Bus that answers from a trace. Every operation must
// match the next operation of the trace.
type Replayer struct {
	dec *cbor.Decoder
	n   int
}

func NewReplayer(r io.Reader) (*Replayer, error) {
	mode, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("bustrace: %w", err)
	}
	return &Replayer{dec: mode.NewDecoder(r)}, nil
}

// replay matches got against the next operation of the trace.
func (p *Replayer) replay(got Op, dataLen int) (Op, error) {
	var want Op
	if err := p.dec.Decode(&want); err != nil {
		if errors.Is(err, io.EOF) {
			return want, fmt.Errorf("%w: %v", ErrEnd, got)
		}
		return want, fmt.Errorf("bustrace: operation %d: %w", p.n, err)
	}
	p.n++
	match := want.Kind == got.Kind && want.Addr == got.Addr && len(want.Data) == dataLen
	if got.Data != nil {
		match = match && bytes.Equal(want.Data, got.Data)
	}
	if !match {
		return want, fmt.Errorf("%w: operation %d is %v, trace has %v", ErrMismatch, p.n-1, got, want)
	}
	if want.Err != "" {
		return want, &ReplayedError{Op: want}
	}
	return want, nil
}

// ReplayedError is a failure recorded in the trace.
type ReplayedError struct {
	Op Op
}

func (e *ReplayedError) Error() string {
	return fmt.Sprintf("bustrace: replayed: %s", e.Op.Err)
}

func (p *Replayer) ReadReg(addr uint8) (byte, error) {
	op, err := p.replay(Op{Kind: ReadReg, Addr: addr}, 1)
	if err != nil {
		return 0, err
	}
	return op.Data[0], nil
}

func (p *Replayer) WriteReg(addr uint8, val byte) error {
	_, err := p.replay(Op{Kind: WriteReg, Addr: addr, Data: []byte{val}}, 1)
	return err
}

func (p *Replayer) Command(op uint8) error {
	_, err := p.replay(Op{Kind: Command, Addr: op}, 0)
	return err
}

func (p *Replayer) ReadFIFO(buf []byte) error {
	op, err := p.replay(Op{Kind: ReadFIFO}, len(buf))
	if err != nil {
		return err
	}
	copy(buf, op.Data)
	return nil
}

func (p *Replayer) WriteFIFO(buf []byte) error {
	_, err := p.replay(Op{Kind: WriteFIFO, Data: buf}, len(buf))
	return err
}
