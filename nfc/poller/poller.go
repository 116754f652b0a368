// Package poller implements a NFC reader poller for reading the
// contents of the ISO14443A tags brought into the field.
package poller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"nfcdrv.dev/nfc/iso14443a"
	"nfcdrv.dev/nfc/isodep"
	"nfcdrv.dev/nfc/type2"
	"nfcdrv.dev/nfc/type4"
)

// Field is a reader front end.
type Field interface {
	// WaitForCard blocks until a card may have entered the field.
	WaitForCard(ctx context.Context) error
	// Open switches the field on for ISO14443A communication.
	Open() (Link, error)
}

// Link is an open ISO14443A field. Close switches the field off.
type Link interface {
	iso14443a.Reader
	Close() error
}

type Poller struct {
	f   Field
	log zerolog.Logger
	// Limit bounds the number of cards read per poll.
	Limit int
}

// Protocol is the NFC Forum tag type of a card.
type Protocol int

const (
	Unknown Protocol = iota
	Type2
	Type4
)

func (p Protocol) String() string {
	switch p {
	case Type2:
		return "type 2"
	case Type4:
		return "type 4"
	default:
		return "unknown"
	}
}

// Tag is a card found by Poll.
type Tag struct {
	UID      []byte
	ATQA     uint16
	SAK      byte
	Protocol Protocol
	// Data is the type 2 user memory or the type 4 NDEF file.
	Data []byte
	// Err is the failure to read Data, if any.
	Err error
}

// ErrUnsupported is reported for cards that are neither type 2 nor
// type 4 tags.
var ErrUnsupported = errors.New("poller: unsupported tag")

const defaultLimit = 8

func New(f Field, log zerolog.Logger) *Poller {
	return &Poller{
		f:     f,
		log:   log,
		Limit: defaultLimit,
	}
}

// Poll waits for cards, switches the field on and reads every card
// found. The field is always switched off before Poll returns. Read
// failures of individual cards are reported in their Tag.
func (p *Poller) Poll(ctx context.Context) ([]Tag, error) {
	if err := p.f.WaitForCard(ctx); err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}
	link, err := p.f.Open()
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}
	defer func() {
		if err := link.Close(); err != nil {
			p.log.Warn().Err(err).Msg("failed to close link")
		}
	}()
	iso := iso14443a.NewPoller(link)
	cards, err := iso.Search(p.Limit)
	if err != nil {
		if len(cards) == 0 {
			return nil, fmt.Errorf("poller: %w", err)
		}
		// Read the cards found before the failure.
		p.log.Debug().Err(err).Int("found", len(cards)).Msg("search interrupted")
	}
	var tags []Tag
	for _, c := range cards {
		if err := ctx.Err(); err != nil {
			return tags, err
		}
		tags = append(tags, p.read(iso, c))
	}
	return tags, nil
}

// read selects a halted card and reads its contents.
func (p *Poller) read(iso *iso14443a.Poller, found *iso14443a.Card) Tag {
	tag := Tag{
		UID:  found.UID,
		ATQA: found.ATQA,
		SAK:  found.SAK,
	}
	log := p.log.With().Hex("uid", found.UID).Logger()
	c, err := iso.SelectByID(found.UID)
	if err != nil {
		tag.Err = err
		log.Debug().Err(err).Msg("select failed")
		return tag
	}
	switch {
	case c.ISODEP():
		// Deselection halts the card.
		tag.Protocol = Type4
		tag.Data, tag.Err = readType4(c)
	case type2.Recognized(c.SAK):
		tag.Protocol = Type2
		tag.Data, tag.Err = readType2(c)
		p.halt(iso, log)
	default:
		tag.Err = fmt.Errorf("%w: SAK %#02x", ErrUnsupported, c.SAK)
		p.halt(iso, log)
	}
	log.Debug().Stringer("protocol", tag.Protocol).Int("bytes", len(tag.Data)).Err(tag.Err).Msg("read tag")
	return tag
}

func (p *Poller) halt(iso *iso14443a.Poller, log zerolog.Logger) {
	if err := iso.Halt(); err != nil {
		log.Debug().Err(err).Msg("halt failed")
	}
}

func readType2(c *iso14443a.Card) ([]byte, error) {
	r, err := type2.NewReader(c)
	if err != nil {
		return nil, err
	}
	// Buffer reading to ensure a minimum read size.
	return io.ReadAll(bufio.NewReaderSize(r, 128))
}

// readType4 reads the NDEF file and deselects the card.
func readType4(c *iso14443a.Card) (data []byte, err error) {
	s, err := isodep.New(c)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := s.Deselect(); err == nil {
			err = derr
		}
	}()
	r, err := type4.NewReader(s)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
