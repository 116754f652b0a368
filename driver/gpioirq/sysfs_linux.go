package gpioirq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// Sysfs is an interrupt line exported through the legacy sysfs GPIO
// interface. It needs no host driver support beyond the kernel.
type Sysfs struct {
	fd int
}

var sysfsRoot = "/sys/class/gpio"

// OpenSysfs exports GPIO number n and configures it for rising edge
// events.
func OpenSysfs(n int) (*Sysfs, error) {
	dir := filepath.Join(sysfsRoot, "gpio"+strconv.Itoa(n))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(sysfsRoot, "export"), []byte(strconv.Itoa(n)), 0o644); err != nil {
			return nil, fmt.Errorf("gpioirq: export gpio%d: %w", n, err)
		}
	}
	for _, attr := range []struct{ name, val string }{
		{"direction", "in"},
		{"edge", "rising"},
	} {
		if err := os.WriteFile(filepath.Join(dir, attr.name), []byte(attr.val), 0o644); err != nil {
			return nil, fmt.Errorf("gpioirq: gpio%d: %w", n, err)
		}
	}
	fd, err := unix.Open(filepath.Join(dir, "value"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gpioirq: gpio%d: %w", n, err)
	}
	return &Sysfs{fd: fd}, nil
}

func (s *Sysfs) Close() error {
	return unix.Close(s.fd)
}

// High reads the value attribute. Reading also acknowledges pending
// edge events.
func (s *Sysfs) High() (bool, error) {
	var buf [2]byte
	n, err := unix.Pread(s.fd, buf[:], 0)
	if err != nil {
		return false, fmt.Errorf("gpioirq: read: %w", err)
	}
	return n > 0 && buf[0] == '1', nil
}

// WaitForRisingEdge returns once the line is high.
func (s *Sysfs) WaitForRisingEdge(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLPRI | unix.POLLERR}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		high, err := s.High()
		if err != nil {
			return err
		}
		if high {
			return nil
		}
		_, err = unix.Poll(fds, int(edgeTimeout.Milliseconds()))
		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("gpioirq: poll: %w", err)
		}
	}
}
