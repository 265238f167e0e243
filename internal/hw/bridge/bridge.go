// Package bridge drives a DC motor through a dual-channel PWM half bridge
// with an enable line. One channel drives forward, the other reverse.
package bridge

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/drivebase/internal/debug"
	"github.com/cjeanneret/drivebase/internal/hw/gpio"
)

const (
	DefaultFrequency      = 4 * physic.KiloHertz
	DefaultResolutionBits = 10
)

// Output is what the bridge needs from the board.
type Output interface {
	gpio.Driver
	gpio.PWM
}

// Config holds the bridge wiring.
type Config struct {
	ForwardPin     int
	ReversePin     int
	EnablePin      int              // 0 = not used. Active HIGH.
	Frequency      physic.Frequency // 0 = DefaultFrequency
	ResolutionBits int              // 0 = DefaultResolutionBits
}

// Bridge converts a signed power command into the two channel duties.
type Bridge struct {
	out     Output
	cfg     Config
	maxDuty uint32

	mu      sync.Mutex
	forward uint32
	reverse uint32
	enabled bool
}

// New configures both channels with zero duty and the enable line low.
func New(out Output, cfg Config) (*Bridge, error) {
	if cfg.Frequency == 0 {
		cfg.Frequency = DefaultFrequency
	}
	if cfg.ResolutionBits == 0 {
		cfg.ResolutionBits = DefaultResolutionBits
	}
	if cfg.ResolutionBits < 1 || cfg.ResolutionBits > 20 {
		return nil, errors.Errorf("bridge: resolution %d bits outside 1..20", cfg.ResolutionBits)
	}
	if cfg.Frequency < 0 {
		return nil, errors.Errorf("bridge: negative frequency %s", cfg.Frequency)
	}
	if cfg.ForwardPin == cfg.ReversePin {
		return nil, errors.Errorf("bridge: forward and reverse share pin %d", cfg.ForwardPin)
	}

	b := &Bridge{
		out:     out,
		cfg:     cfg,
		maxDuty: uint32(1) << uint(cfg.ResolutionBits),
	}

	for _, pin := range []int{cfg.ForwardPin, cfg.ReversePin} {
		if err := out.SetupPWM(pin, cfg.Frequency, b.maxDuty); err != nil {
			return nil, errors.Wrapf(err, "bridge: pwm pin %d", pin)
		}
		if err := b.write(pin, 0); err != nil {
			return nil, err
		}
	}

	if cfg.EnablePin > 0 {
		if err := out.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, errors.Wrapf(err, "bridge: enable pin %d", cfg.EnablePin)
		}
		if err := out.WritePin(cfg.EnablePin, gpio.Low); err != nil {
			return nil, errors.Wrapf(err, "bridge: enable pin %d", cfg.EnablePin)
		}
	}

	debug.Verbose("Bridge fwd=%d rev=%d en=%d at %s, max duty %d",
		cfg.ForwardPin, cfg.ReversePin, cfg.EnablePin, cfg.Frequency, b.maxDuty)
	return b, nil
}

// write stages and latches one channel.
func (b *Bridge) write(pin int, duty uint32) error {
	if err := b.out.SetDuty(pin, duty); err != nil {
		return errors.Wrapf(err, "bridge: set duty pin %d", pin)
	}
	if err := b.out.UpdateDuty(pin); err != nil {
		return errors.Wrapf(err, "bridge: update duty pin %d", pin)
	}
	return nil
}

// Duty returns the duty for |power|, power in [-1, 1].
func (b *Bridge) Duty(power float64) uint32 {
	return uint32(math.Abs(power) * float64(b.maxDuty))
}

// Apply drives the bridge with power in [-1, 1]; values outside are
// clamped. While disabled both channels stay at zero. The channel going to
// zero is latched before the other one is raised.
func (b *Bridge) Apply(power float64) error {
	if math.IsNaN(power) {
		return errors.New("bridge: power is NaN")
	}
	power = math.Max(-1, math.Min(1, power))

	b.mu.Lock()
	defer b.mu.Unlock()

	var fwd, rev uint32
	if b.enabled {
		if power > 0 {
			fwd = b.Duty(power)
		} else if power < 0 {
			rev = b.Duty(power)
		}
	}
	return b.set(fwd, rev)
}

// set must be called with b.mu held.
func (b *Bridge) set(fwd, rev uint32) error {
	type channel struct {
		pin  int
		duty uint32
		cur  *uint32
	}
	first := channel{b.cfg.ReversePin, rev, &b.reverse}
	second := channel{b.cfg.ForwardPin, fwd, &b.forward}
	if fwd == 0 {
		first, second = second, first
	}
	for _, c := range []channel{first, second} {
		if err := b.write(c.pin, c.duty); err != nil {
			return err
		}
		*c.cur = c.duty
	}
	return nil
}

// Duties returns the latched forward and reverse duties.
func (b *Bridge) Duties() (forward, reverse uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forward, b.reverse
}

// SetEnabled drives the enable line. Disabling also zeroes both channels.
// A disable always takes effect in software, even when the pin write fails;
// an enable only takes effect when every write succeeded.
func (b *Bridge) SetEnabled(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if !on {
		b.enabled = false
		err = b.set(0, 0)
	}
	if b.cfg.EnablePin > 0 {
		err = multierr.Append(err, errors.Wrapf(b.out.WritePin(b.cfg.EnablePin, gpio.Level(on)),
			"bridge: enable pin %d", b.cfg.EnablePin))
	}
	if on && err == nil {
		b.enabled = true
	}
	return err
}

func (b *Bridge) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// MaxDuty is the duty value for 100%.
func (b *Bridge) MaxDuty() uint32 { return b.maxDuty }

// Stop zeroes both channels and pulls the enable line low.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.set(0, 0)
	if b.cfg.EnablePin > 0 {
		err = multierr.Append(err, errors.Wrapf(b.out.WritePin(b.cfg.EnablePin, gpio.Low),
			"bridge: enable pin %d", b.cfg.EnablePin))
	}
	b.enabled = false
	return err
}
