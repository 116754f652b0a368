//go:build !linux

package gpioirq

import (
	"context"
	"errors"
)

// Sysfs is only supported on Linux.
type Sysfs struct{}

var errSysfs = errors.New("gpioirq: sysfs GPIO requires Linux")

func OpenSysfs(n int) (*Sysfs, error) {
	return nil, errSysfs
}

func (s *Sysfs) Close() error {
	return errSysfs
}

func (s *Sysfs) High() (bool, error) {
	return false, errSysfs
}

func (s *Sysfs) WaitForRisingEdge(ctx context.Context) error {
	return errSysfs
}
