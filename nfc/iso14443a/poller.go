package iso14443a

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Poller detects and selects cards.
type Poller struct {
	r       Reader
	scratch [16]byte
}

func NewPoller(r Reader) *Poller {
	return &Poller{r: r}
}

// activationTimeout is the frame waiting time for SELECT and HLTA, in
// carrier cycles.
const activationTimeout = 1236 + 384

const (
	casLevel1 = 0x93
	casLevel2 = 0x95
	casLevel3 = 0x97

	// cascadeTag marks an incomplete UID in a cascade level.
	cascadeTag = 0x88

	cmdHLTA = 0x50

	// nvbSelect is the NVB of a SELECT command with the complete UID
	// of the cascade level.
	nvbSelect = 0x70
	// clnBits is the number of bits in an anticollision frame with
	// the complete UID of the cascade level.
	clnBits = 7 * 8

	// sakCascade is set when the UID is not complete.
	sakCascade = 0b1 << 2
	// sakISODEP is set when the card supports ISO14443-4.
	sakISODEP = 0b1 << 5
)

var casLevels = [...]byte{casLevel1, casLevel2, casLevel3}

// Request sends REQA, or WUPA if wakeup is set to also wake up halted
// cards, and returns the ATQA. ErrTimeout means no card answered. A
// collision means that more than one card answered.
func (p *Poller) Request(wakeup bool) (uint16, error) {
	f := Frame{Kind: ReqA}
	if wakeup {
		f.Kind = WupA
	}
	atqa := p.scratch[:2]
	n, err := p.r.Transceive(f, nil, atqa)
	if err != nil {
		return 0, fmt.Errorf("iso14443a: %s: %w", f.Kind, err)
	}
	if n < 16 {
		return 0, fmt.Errorf("iso14443a: %s: %w", f.Kind, ErrResponseTooShort)
	}
	return binary.LittleEndian.Uint16(atqa), nil
}

// Select runs the anticollision loop and selects a single card among
// the cards in the READY state. Colliding UID bits are resolved by
// choosing 1.
func (p *Poller) Select() (*Card, error) {
	c := &Card{r: p.r, fwt: DefaultFWT}
	for _, cmd := range casLevels {
		cln, err := p.anticollision(cmd)
		if err != nil {
			return nil, err
		}
		sak, err := p.selectLevel(cmd, cln)
		if err != nil {
			return nil, err
		}
		c.SAK = sak
		if sak&sakCascade == 0 {
			c.UID = append(c.UID, cln[:4]...)
			return c, nil
		}
		if cln[0] != cascadeTag {
			return nil, fmt.Errorf("iso14443a: select: missing cascade tag: %w", ErrSelect)
		}
		c.UID = append(c.UID, cln[1:4]...)
	}
	return nil, fmt.Errorf("iso14443a: select: UID too long: %w", ErrSelect)
}

// SelectAny requests a card and selects it.
func (p *Poller) SelectAny(wakeup bool) (*Card, error) {
	atqa, err := p.Request(wakeup)
	if err != nil && !errors.Is(err, ErrCollision) {
		return nil, err
	}
	c, err := p.Select()
	if err != nil {
		return nil, err
	}
	c.ATQA = atqa
	return c, nil
}

// SelectByID wakes up the cards and selects the card with the UID. The
// UID must be 4, 7 or 10 bytes.
func (p *Poller) SelectByID(uid []byte) (*Card, error) {
	switch len(uid) {
	case 4, 7, 10:
	default:
		return nil, fmt.Errorf("iso14443a: select: invalid UID length %d", len(uid))
	}
	atqa, err := p.Request(true)
	if err != nil && !errors.Is(err, ErrCollision) {
		return nil, err
	}
	c := &Card{r: p.r, fwt: DefaultFWT, ATQA: atqa}
	rem := uid
	for _, cmd := range casLevels {
		var cln [5]byte
		if len(rem) > 4 {
			cln[0] = cascadeTag
			copy(cln[1:4], rem)
			rem = rem[3:]
		} else {
			copy(cln[:4], rem)
			rem = nil
		}
		cln[4] = bcc(cln[:4])
		sak, err := p.selectLevel(cmd, cln[:])
		if err != nil {
			return nil, err
		}
		c.SAK = sak
		if complete := sak&sakCascade == 0; complete != (len(rem) == 0) {
			return nil, fmt.Errorf("iso14443a: select %x: unexpected SAK %#x: %w", uid, sak, ErrSelect)
		}
		if len(rem) == 0 {
			c.UID = append([]byte(nil), uid...)
			return c, nil
		}
	}
	panic("unreachable")
}

// anticollision returns the UID bytes and BCC of a cascade level.
func (p *Poller) anticollision(cmd byte) ([]byte, error) {
	tx, rx := p.scratch[:7], p.scratch[7:14]
	clear(tx)
	tx[0] = cmd
	known := 16
	for known < clnBits {
		tx[1] = byte(known/8)<<4 | byte(known%8)
		n, err := p.r.Transceive(Frame{Kind: Anticoll, Bits: known}, tx, rx)
		if err != nil {
			return nil, fmt.Errorf("iso14443a: anticollision: %w", err)
		}
		if n >= clnBits {
			copy(tx[2:], rx[2:])
			break
		}
		if n < known {
			return nil, fmt.Errorf("iso14443a: anticollision: collision at bit %d before bit %d: %w", n, known, ErrCollision)
		}
		// Keep the bits before the collision and choose 1 for the
		// colliding bit.
		copy(tx[2:n/8+1], rx[2:n/8+1])
		tx[n/8] &= 0b1<<(n%8) - 1
		tx[n/8] |= 0b1 << (n % 8)
		clear(tx[n/8+1:])
		known = n + 1
	}
	cln := tx[2:7]
	if bcc(cln[:4]) != cln[4] {
		return nil, fmt.Errorf("iso14443a: anticollision: %x: %w", cln, ErrBCC)
	}
	return cln, nil
}

func (p *Poller) selectLevel(cmd byte, cln []byte) (byte, error) {
	req := make([]byte, 0, 7)
	req = append(req, cmd, nvbSelect)
	req = append(req, cln...)
	sak := p.scratch[14:15]
	n, err := p.r.Transceive(Frame{Kind: Standard, Timeout: activationTimeout}, req, sak)
	if err != nil {
		return 0, fmt.Errorf("iso14443a: select: %w", err)
	}
	if n < 8 {
		return 0, fmt.Errorf("iso14443a: select: %w", ErrResponseTooShort)
	}
	return sak[0], nil
}

// Halt sends HLTA to the selected card. The card doesn't answer a
// successful HLTA.
func (p *Poller) Halt() error {
	var rx [1]byte
	_, err := p.r.Transceive(Frame{Kind: Standard, Timeout: activationTimeout}, []byte{cmdHLTA, 0x00}, rx[:])
	switch {
	case errors.Is(err, ErrTimeout):
		return nil
	case err != nil:
		return fmt.Errorf("iso14443a: halt: %w", err)
	default:
		return errors.New("iso14443a: halt: not acknowledged")
	}
}

// Search selects and halts cards until no card answers or limit cards
// are found. The returned cards are halted; use SelectByID to select
// one of them.
func (p *Poller) Search(limit int) ([]*Card, error) {
	var cards []*Card
	for len(cards) < limit {
		c, err := p.SelectAny(false)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				break
			}
			return cards, err
		}
		if err := p.Halt(); err != nil {
			return cards, err
		}
		cards = append(cards, c)
	}
	return cards, nil
}

func bcc(uid []byte) byte {
	return uid[0] ^ uid[1] ^ uid[2] ^ uid[3]
}

// Card is a selected card.
type Card struct {
	r    Reader
	UID  []byte
	ATQA uint16
	SAK  byte
	fwt  uint32
}

// ISODEP reports whether the card supports ISO14443-4.
func (c *Card) ISODEP() bool {
	return c.SAK&sakISODEP != 0
}

// Transceive exchanges a standard frame with the card and returns the
// number of bytes received.
func (c *Card) Transceive(tx, rx []byte) (int, error) {
	n, err := c.r.Transceive(Frame{Kind: Standard, Timeout: c.fwt}, tx, rx)
	if err != nil {
		return 0, err
	}
	return n / 8, nil
}

// MaxFrameSize returns the largest frame the reader can receive,
// including the CRC, or 0 if the reader doesn't limit the size.
func (c *Card) MaxFrameSize() int {
	if fs, ok := c.r.(FrameSizer); ok {
		return fs.MaxFrameSize()
	}
	return 0
}

// SetFrameWaitTime sets the frame waiting time in carrier cycles.
func (c *Card) SetFrameWaitTime(fc uint32) {
	c.fwt = fc
}

// FrameWaitTime returns the frame waiting time in carrier cycles.
func (c *Card) FrameWaitTime() uint32 {
	return c.fwt
}

func (c *Card) String() string {
	return fmt.Sprintf("UID %x ATQA %#04x SAK %#02x", c.UID, c.ATQA, c.SAK)
}
