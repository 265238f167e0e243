// Package pcnt emulates a hardware pulse counting unit: a signed 16-bit
// counter register fed by edges on one input, with a glitch filter, limit
// watch points and an accumulator that survives register wraparound.
package pcnt

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/drivebase/internal/debug"
)

// EdgeAction tells the unit what a counted edge does to the register.
type EdgeAction int

const (
	Hold EdgeAction = iota
	Increase
	Decrease
)

func (a EdgeAction) String() string {
	switch a {
	case Hold:
		return "hold"
	case Increase:
		return "increase"
	case Decrease:
		return "decrease"
	default:
		return "unknown"
	}
}

// Config holds the counter limits. Zero limits default to the int16 bounds.
type Config struct {
	LowLimit   int
	HighLimit  int
	AccumCount bool // add the limit to the accumulator when a watched limit is reached
}

// WatchEvent is delivered when the register reaches a watch point.
type WatchEvent struct {
	Value int // watch point reached
	Accum int // accumulator after the event
	At    time.Time
}

var (
	// ErrNotEnabled is returned when the unit is started before Enable.
	ErrNotEnabled = errors.New("pcnt: unit not enabled")
	// ErrBadWatchPoint is returned for a watch point outside the limits.
	ErrBadWatchPoint = errors.New("pcnt: watch point outside limits")
)

// Unit is one pulse counter. All methods are safe for concurrent use;
// watch callbacks run on the goroutine that delivered the edge, outside the
// unit lock.
type Unit struct {
	mu       sync.Mutex
	cfg      Config
	raw      int
	accum    int
	action   EdgeAction
	glitch   time.Duration
	lastEdge time.Time
	enabled  bool
	running  bool
	watch    map[int]bool
	onWatch  func(WatchEvent)
	filtered uint64
}

// New creates a stopped, disabled unit.
func New(cfg Config) (*Unit, error) {
	if cfg.LowLimit == 0 {
		cfg.LowLimit = math.MinInt16
	}
	if cfg.HighLimit == 0 {
		cfg.HighLimit = math.MaxInt16
	}
	if cfg.LowLimit < math.MinInt16 || cfg.HighLimit > math.MaxInt16 {
		return nil, errors.Errorf("pcnt: limits [%d, %d] exceed int16", cfg.LowLimit, cfg.HighLimit)
	}
	if cfg.LowLimit >= 0 || cfg.HighLimit <= 0 {
		return nil, errors.Errorf("pcnt: limits [%d, %d] must straddle zero", cfg.LowLimit, cfg.HighLimit)
	}
	debug.Verbose("pcnt: new unit limits [%d, %d] accum=%v", cfg.LowLimit, cfg.HighLimit, cfg.AccumCount)
	return &Unit{
		cfg:    cfg,
		action: Hold,
		watch:  make(map[int]bool),
	}, nil
}

// Limits returns the configured register bounds.
func (u *Unit) Limits() (low, high int) {
	return u.cfg.LowLimit, u.cfg.HighLimit
}

// SetGlitchFilter discards edges closer than d to the last accepted one.
// Zero disables the filter.
func (u *Unit) SetGlitchFilter(d time.Duration) error {
	if d < 0 {
		return errors.Errorf("pcnt: negative glitch filter %v", d)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.glitch = d
	return nil
}

// AddWatchPoint registers v as a watch point. Only the limits take part in
// accumulation; other values just raise a WatchEvent.
func (u *Unit) AddWatchPoint(v int) error {
	if v < u.cfg.LowLimit || v > u.cfg.HighLimit {
		return errors.Wrapf(ErrBadWatchPoint, "value %d", v)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.watch[v] = true
	return nil
}

// OnWatch installs the watch point callback.
func (u *Unit) OnWatch(fn func(WatchEvent)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onWatch = fn
}

// SetEdgeAction changes what subsequent edges do. It is serialized with edge
// handling and reads, so no edge is counted half way through a change.
func (u *Unit) SetEdgeAction(a EdgeAction) error {
	if a < Hold || a > Decrease {
		return errors.Errorf("pcnt: unknown edge action %d", a)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.action = a
	return nil
}

// EdgeAction returns the current edge action.
func (u *Unit) EdgeAction() EdgeAction {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.action
}

func (u *Unit) Enable() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.enabled = true
}

func (u *Unit) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.enabled {
		return ErrNotEnabled
	}
	u.running = true
	return nil
}

func (u *Unit) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.running = false
}

// Clear zeroes the register and the accumulator.
func (u *Unit) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.raw = 0
	u.accum = 0
}

// Count returns accumulator + register.
func (u *Unit) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.accum + u.raw
}

// Raw returns the register alone.
func (u *Unit) Raw() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.raw
}

// Filtered returns how many edges the glitch filter discarded.
func (u *Unit) Filtered() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.filtered
}

// Pulse feeds one rising edge seen at time at. It reports whether the edge
// changed the register.
func (u *Unit) Pulse(at time.Time) bool {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return false
	}
	if u.glitch > 0 && !u.lastEdge.IsZero() && at.Sub(u.lastEdge) < u.glitch {
		u.filtered++
		u.mu.Unlock()
		return false
	}
	u.lastEdge = at

	switch u.action {
	case Increase:
		u.raw++
	case Decrease:
		u.raw--
	default:
		u.mu.Unlock()
		return false
	}

	var fn func(WatchEvent)
	watched := u.watch[u.raw]
	evt := WatchEvent{Value: u.raw, At: at}
	// The register clears on reaching either limit. Only a watched limit
	// carries its value into the accumulator; otherwise the pulses are lost.
	if u.raw == u.cfg.LowLimit || u.raw == u.cfg.HighLimit {
		if watched && u.cfg.AccumCount {
			u.accum += u.raw
		}
		u.raw = 0
	}
	if watched {
		evt.Accum = u.accum
		fn = u.onWatch
	}
	u.mu.Unlock()

	if fn != nil {
		fn(evt)
	}
	return true
}
