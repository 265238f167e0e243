// Package encoder tracks the pulse count of a single-track wheel encoder.
// A single channel carries no direction, so the caller tells the tracker
// which way pulses count with SetDirection.
package encoder

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/drivebase/internal/debug"
	"github.com/cjeanneret/drivebase/internal/hw/gpio"
	"github.com/cjeanneret/drivebase/internal/hw/pcnt"
)

// Direction is the counting direction applied to incoming pulses.
type Direction int

const (
	Hold Direction = iota
	Increment
	Decrement
)

func (d Direction) String() string {
	switch d {
	case Hold:
		return "hold"
	case Increment:
		return "increment"
	case Decrement:
		return "decrement"
	default:
		return "unknown"
	}
}

func (d Direction) action() (pcnt.EdgeAction, error) {
	switch d {
	case Hold:
		return pcnt.Hold, nil
	case Increment:
		return pcnt.Increase, nil
	case Decrement:
		return pcnt.Decrease, nil
	default:
		return pcnt.Hold, errors.Errorf("unknown direction %d", d)
	}
}

// DefaultGlitchFilter matches the 10 µs filter of the reference board.
const DefaultGlitchFilter = 10 * time.Microsecond

// Config holds the encoder wiring.
type Config struct {
	Pin          int           // BCM pin of the encoder output (pulled up, rising edges)
	GlitchFilter time.Duration // 0 = DefaultGlitchFilter, negative = off
	LowLimit     int           // 0 = -32768
	HighLimit    int           // 0 = 32767
}

// Tracker owns one counting unit and the edge watcher feeding it.
type Tracker struct {
	cfg  Config
	unit *pcnt.Unit

	mu        sync.Mutex
	stopEdges func()
	closed    bool
}

// New creates the counting unit, installs the glitch filter and the limit
// watch points, starts counting from zero with direction Hold and begins
// forwarding edges from src.
func New(src gpio.EdgeSource, cfg Config) (*Tracker, error) {
	unit, err := pcnt.New(pcnt.Config{
		LowLimit:   cfg.LowLimit,
		HighLimit:  cfg.HighLimit,
		AccumCount: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encoder pin %d", cfg.Pin)
	}

	glitch := cfg.GlitchFilter
	if glitch == 0 {
		glitch = DefaultGlitchFilter
	} else if glitch < 0 {
		glitch = 0
	}
	if err := unit.SetGlitchFilter(glitch); err != nil {
		return nil, errors.Wrapf(err, "encoder pin %d", cfg.Pin)
	}

	low, high := unit.Limits()
	for _, v := range []int{low, high} {
		if err := unit.AddWatchPoint(v); err != nil {
			return nil, errors.Wrapf(err, "encoder pin %d", cfg.Pin)
		}
	}
	unit.OnWatch(func(e pcnt.WatchEvent) {
		debug.Trace("encoder pin %d: limit %d reached, accum=%d", cfg.Pin, e.Value, e.Accum)
	})

	if err := unit.SetEdgeAction(pcnt.Hold); err != nil {
		return nil, errors.Wrapf(err, "encoder pin %d", cfg.Pin)
	}
	unit.Enable()
	unit.Clear()
	if err := unit.Start(); err != nil {
		return nil, errors.Wrapf(err, "encoder pin %d", cfg.Pin)
	}

	stop, err := src.WatchEdges(cfg.Pin, func(at time.Time) { unit.Pulse(at) })
	if err != nil {
		unit.Stop()
		return nil, errors.Wrapf(err, "encoder pin %d: watch edges", cfg.Pin)
	}

	debug.Verbose("Encoder on pin %d: glitch filter %v, limits [%d, %d]", cfg.Pin, glitch, low, high)
	return &Tracker{cfg: cfg, unit: unit, stopEdges: stop}, nil
}

// ReadCount returns the accumulated pulse count. It fails once the tracker
// is closed.
func (t *Tracker) ReadCount() (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, errors.Errorf("encoder pin %d: closed", t.cfg.Pin)
	}
	return t.unit.Count(), nil
}

// Raw returns the counting register alone, without the accumulator.
func (t *Tracker) Raw() int {
	return t.unit.Raw()
}

// Reset zeroes the count.
func (t *Tracker) Reset() error {
	t.unit.Clear()
	return nil
}

// SetDirection changes how subsequent pulses are counted.
func (t *Tracker) SetDirection(d Direction) error {
	a, err := d.action()
	if err != nil {
		return errors.Wrapf(err, "encoder pin %d", t.cfg.Pin)
	}
	return t.unit.SetEdgeAction(a)
}

// Direction returns the current counting direction.
func (t *Tracker) Direction() Direction {
	switch t.unit.EdgeAction() {
	case pcnt.Increase:
		return Increment
	case pcnt.Decrease:
		return Decrement
	default:
		return Hold
	}
}

// Filtered returns how many edges the glitch filter dropped.
func (t *Tracker) Filtered() uint64 {
	return t.unit.Filtered()
}

// Close stops the edge watcher and the unit. It is safe to call twice.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.stopEdges()
	t.unit.Stop()
	return nil
}
