// Command nfcpoll waits for ISO14443A tags in the field of a ST25R39xx
// reader and logs their contents.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"nfcdrv.dev/driver/st25r39"
	"nfcdrv.dev/nfc/poller"
)

var (
	backend   = flag.String("bus", "spi", "transport: spi, i2c, spidev, cp2130, ftdi or buspirate")
	busName   = flag.String("dev", "", "bus or device name; the default depends on the transport")
	irqPin    = flag.String("irq", "GPIO25", "interrupt GPIO pin name")
	irqSysfs  = flag.Int("irq-sysfs", -1, "interrupt GPIO number, using the sysfs interface")
	irqGPIO   = flag.Int("irq-gpio", 0, "interrupt GPIO of USB bridges")
	csChannel = flag.Int("cs", 0, "chip select channel of USB bridges")
	period    = flag.Int("period", 500, "wake-up period in milliseconds")
	methods   = flag.String("wakeup", "amplitude", "comma separated wake-up methods: amplitude, phase, capacitive")
	delta     = flag.Uint("delta", 2, "wake-up measurement delta")
	limit     = flag.Int("limit", 8, "maximum number of tags read per poll")
	once      = flag.Bool("once", false, "exit after the first tag is read")
	dump      = flag.Bool("dump", false, "dump tag contents")
	tracePath = flag.String("trace", "", "record bus traffic to file")
	replay    = flag.String("replay", "", "replay bus traffic from file instead of using hardware")
	verbose   = flag.Bool("v", false, "verbose logging")
)

var log zerolog.Logger

const retryDelay = 100 * time.Millisecond

func init() {
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	log = zerolog.New(cw).With().Timestamp().Logger()
}

func main() {
	flag.Parse()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("nfcpoll")
	}
}

func run(ctx context.Context) error {
	wconf, err := parseWakeup(*period, *methods, *delta)
	if err != nil {
		return err
	}
	t, err := openTransport()
	if err != nil {
		return err
	}
	defer t.Close()

	conf := st25r39.DefaultConfig()
	conf.Logger = log
	conf.FieldOnTimeout = time.Second
	d, err := st25r39.NewWithConfig(t.bus, t.irq, conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.ModeOff(); err != nil {
			log.Warn().Err(err).Msg("failed to switch reader off")
		}
	}()
	if mv, err := d.MeasureSupply(); err == nil {
		log.Info().Str("chip", st25r39.Chip).Int("supply_mv", mv).Msg("reader initialized")
	}

	p := poller.New(&field{d: d, conf: wconf}, log)
	p.Limit = *limit
	for {
		tags, err := p.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, st25r39.ErrCalibration):
			return err
		case err != nil:
			log.Debug().Err(err).Msg("poll failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}
		for _, tag := range tags {
			logTag(tag)
		}
		if *once && len(tags) > 0 {
			return nil
		}
	}
}

func logTag(tag poller.Tag) {
	ev := log.Info()
	if tag.Err != nil {
		ev = log.Warn().Err(tag.Err)
	}
	ev.Hex("uid", tag.UID).
		Str("atqa", fmt.Sprintf("%04x", tag.ATQA)).
		Str("sak", fmt.Sprintf("%02x", tag.SAK)).
		Stringer("protocol", tag.Protocol).
		Int("bytes", len(tag.Data)).
		Msg("tag")
	if *dump && len(tag.Data) > 0 {
		fmt.Print(hex.Dump(tag.Data))
	}
}

// parseWakeup builds the wake-up configuration from the command line.
func parseWakeup(periodMs int, methods string, delta uint) (st25r39.WakeupConfig, error) {
	p, err := st25r39.ParseWakeupPeriod(periodMs)
	if err != nil {
		return st25r39.WakeupConfig{}, err
	}
	if delta > 15 {
		return st25r39.WakeupConfig{}, fmt.Errorf("wake-up delta %d out of range", delta)
	}
	conf := st25r39.WakeupConfig{Period: p}
	method := func() *st25r39.WakeupMethodConfig {
		return &st25r39.WakeupMethodConfig{
			Delta:     uint8(delta),
			Reference: st25r39.AutoAverageReference(1, false),
		}
	}
	for _, m := range strings.Split(methods, ",") {
		switch strings.TrimSpace(m) {
		case "amplitude":
			conf.InductiveAmplitude = method()
		case "phase":
			conf.InductivePhase = method()
		case "capacitive":
			conf.Capacitive = method()
		default:
			return st25r39.WakeupConfig{}, fmt.Errorf("unknown wake-up method %q", m)
		}
	}
	return conf, nil
}
