package st25r39

import (
	"context"
	"errors"
	"time"

	"github.com/l0nax/go-spew/spew"
)

var pprint = spew.ConfigState{
	Indent:                  "\t",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// simChip simulates the register interface of the chip. Direct
// commands raise the interrupts the real chip would, and transmit
// commands are answered by respond.
type simChip struct {
	regs [256]byte
	// pending interrupts, cleared by reading their status register.
	pending uint32
	// adc holds the conversion result of measurement commands.
	adc map[byte]byte
	// capResult is the calibration result register value after a
	// calibration command.
	capResult byte
	// fieldOn are the interrupts raised by the initial RF collision
	// avoidance command.
	fieldOn uint32
	respond func(f simFrame) simResponse
	// err fails every bus operation.
	err error

	cmds   []byte
	frames []simFrame
	tx     []byte
	fifo   []byte
}

// simFrame is a frame transmitted by the chip.
type simFrame struct {
	cmd      byte
	bits     int
	data     []byte
	anticoll bool
	// crc is set when the receiver checks and keeps the CRC.
	crc bool
}

type simResponse struct {
	irqs uint32
	// rx is the FIFO content after reception.
	rx []byte
	// coll is the collision display register.
	coll byte
	// status2 are the FIFO status 2 flags.
	status2 byte
}

func newSimChip() *simChip {
	s := &simChip{
		adc: map[byte]byte{
			// 5V.
			cmdMeasureSupply: 214,
		},
		capResult: 0b1<<cs_cal_end | 12<<cs_cal_val,
		fieldOn:   0b1 << intFieldOnDone,
	}
	s.regs[regAuxDisp] = 0b1 << osc_ok
	return s
}

func (s *simChip) ReadReg(addr uint8) (byte, error) {
	if s.err != nil {
		return 0, s.err
	}
	if i := int(addr) - regIRQMain; i >= 0 && i < irqRegs {
		v := byte(s.pending >> (i * 8))
		s.pending &^= 0xff << (i * 8)
		return v, nil
	}
	switch addr {
	case regFIFOStatus1:
		return byte(len(s.fifo)), nil
	}
	return s.regs[addr], nil
}

func (s *simChip) WriteReg(addr uint8, val byte) error {
	if s.err != nil {
		return s.err
	}
	s.regs[addr] = val
	return nil
}

func (s *simChip) Command(op uint8) error {
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, op)
	switch op {
	case cmdStop:
		s.pending = 0
	case cmdAdjustRegulators:
		s.pending |= 0b1 << IntDct
	case cmdMeasureAmplitude, cmdMeasurePhase, cmdMeasureCapacitance, cmdMeasureSupply:
		s.regs[regADConv] = s.adc[op]
		s.pending |= 0b1 << IntDct
	case cmdCalibrateCapSensor:
		s.regs[regCapSensorResult] = s.capResult
	case cmdInitialRFCollision:
		s.pending |= s.fieldOn
	case cmdTransmitREQA, cmdTransmitWUPA, cmdTransmitWithCRC, cmdTransmitWithoutCRC:
		s.transmit(op)
	}
	return nil
}

func (s *simChip) transmit(op byte) {
	f := simFrame{
		cmd:      op,
		bits:     int(s.regs[regNumTX1])<<8 | int(s.regs[regNumTX2]),
		data:     s.tx,
		anticoll: s.regs[regISO14443A]&(0b1<<antcl) != 0,
		crc:      s.regs[regAux]&(0b1<<no_crc_rx) == 0,
	}
	s.tx = nil
	s.frames = append(s.frames, f)
	resp := simResponse{irqs: 0b1 << IntNre}
	if s.respond != nil {
		resp = s.respond(f)
	}
	s.pending |= 0b1<<IntTxe | resp.irqs
	s.fifo = resp.rx
	s.regs[regCollision] = resp.coll
	s.regs[regFIFOStatus2] = resp.status2
}

func (s *simChip) ReadFIFO(buf []byte) error {
	if s.err != nil {
		return s.err
	}
	if len(buf) > len(s.fifo) {
		return errors.New("sim: FIFO underflow")
	}
	n := copy(buf, s.fifo)
	s.fifo = s.fifo[n:]
	return nil
}

func (s *simChip) WriteFIFO(buf []byte) error {
	if s.err != nil {
		return s.err
	}
	s.tx = append(s.tx, buf...)
	return nil
}

// received returns a response with the CRC appended, as stored in the
// FIFO by the chip.
func received(data ...byte) simResponse {
	return simResponse{
		irqs: 0b1<<IntRxs | 0b1<<IntRxe,
		rx:   crcA(data),
	}
}

// crcA appends the ISO14443A CRC.
func crcA(data []byte) []byte {
	crc := uint16(0x6363)
	for _, b := range data {
		b ^= byte(crc)
		b ^= b << 4
		crc = crc>>8 ^ uint16(b)<<8 ^ uint16(b)<<3 ^ uint16(b)>>4
	}
	return append(data[:len(data):len(data)], byte(crc), byte(crc>>8))
}

// simIRQ is an interrupt line that rises when waited for, unless
// stuck.
type simIRQ struct {
	high  bool
	stuck bool
	waits int
}

func (i *simIRQ) High() (bool, error) {
	return i.high, nil
}

func (i *simIRQ) WaitForRisingEdge(ctx context.Context) error {
	i.waits++
	if i.stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	i.high = true
	return nil
}

func newSimDevice(s *simChip) (*Device, error) {
	conf := DefaultConfig()
	conf.Timeout = 20 * time.Millisecond
	conf.GuardTime = 0
	return NewWithConfig(s, new(simIRQ), conf)
}
