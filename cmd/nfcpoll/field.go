package main

import (
	"context"

	"nfcdrv.dev/driver/st25r39"
	"nfcdrv.dev/nfc/poller"
)

// field adapts the reader to the poller.
type field struct {
	d    *st25r39.Device
	conf st25r39.WakeupConfig
}

func (f *field) WaitForCard(ctx context.Context) error {
	return f.d.WaitForCard(ctx, f.conf)
}

func (f *field) Open() (poller.Link, error) {
	s, err := f.d.StartISO14443A()
	if err != nil {
		return nil, err
	}
	return s, nil
}
