package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/drivebase/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real board implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// PWM drives hardware PWM outputs. A duty written with SetDuty is only
// staged; it reaches the pin when UpdateDuty latches it.
// Duty values are expressed in ticks of cycle (duty == cycle is 100%).
type PWM interface {
	SetupPWM(pin int, freq physic.Frequency, cycle uint32) error
	SetDuty(pin int, duty uint32) error
	UpdateDuty(pin int) error
}

// EdgeSource reports rising edges of a pulled-up input pin.
// fn is called once per edge, from a goroutine owned by the source.
// The returned stop function detaches the watcher and waits for it to exit.
type EdgeSource interface {
	WatchEdges(pin int, fn func(at time.Time)) (stop func(), err error)
}

// Board is everything the drive needs from the hardware.
type Board interface {
	Driver
	PWM
	EdgeSource
}

// Backend selects a Board implementation.
type Backend string

const (
	BackendMock   Backend = "mock"
	BackendRPi    Backend = "rpio"
	BackendPeriph Backend = "periph"
)

// NewBoard creates a board for the chosen backend.
// BackendMock returns a MockDriver (for dev/test), BackendRPi the go-rpio
// driver (Raspberry Pi) and BackendPeriph the periph.io driver (any Linux host
// periph supports).
func NewBoard(backend Backend) (Board, error) {
	switch backend {
	case BackendMock:
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case BackendRPi, "":
		return NewRPiRealDriver()
	case BackendPeriph:
		return NewPeriphDriver()
	default:
		return nil, errors.Errorf("unknown gpio backend %q", backend)
	}
}

// MockDriver is a test implementation that logs actions and records pin
// state. Encoder edges are injected with Pulse.
type MockDriver struct {
	mu       sync.Mutex
	modes    map[int]PinMode
	levels   map[int]Level
	pwm      map[int]*mockPWM
	watchers map[int]func(time.Time)
	failures map[int]error
	clock    time.Time

	// EdgeSpacing is the time between two injected edges.
	EdgeSpacing time.Duration
}

type mockPWM struct {
	freq    physic.Frequency
	cycle   uint32
	staged  uint32
	latched uint32
	updates int
}

// NewMockDriver returns an empty mock board.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:       make(map[int]PinMode),
		levels:      make(map[int]Level),
		pwm:         make(map[int]*mockPWM),
		watchers:    make(map[int]func(time.Time)),
		failures:    make(map[int]error),
		clock:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EdgeSpacing: time.Millisecond,
	}
}

// Fail makes every later setup or write on pin return err.
func (m *MockDriver) Fail(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[pin] = err
}

func (m *MockDriver) failure(pin int) error {
	if err, ok := m.failures[pin]; ok {
		return errors.Wrapf(err, "pin %d", pin)
	}
	return nil
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(pin); err != nil {
		return err
	}
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(pin); err != nil {
		return err
	}
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], m.failure(pin)
}

func (m *MockDriver) SetupPWM(pin int, freq physic.Frequency, cycle uint32) error {
	debug.GPIO("SetupPWM", pin, freq)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(pin); err != nil {
		return err
	}
	if cycle == 0 {
		return errors.Errorf("pin %d: pwm cycle must be > 0", pin)
	}
	m.pwm[pin] = &mockPWM{freq: freq, cycle: cycle}
	return nil
}

func (m *MockDriver) SetDuty(pin int, duty uint32) error {
	debug.GPIO("SetDuty", pin, duty)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pwm[pin]
	if !ok {
		return errors.Errorf("pin %d: pwm not configured", pin)
	}
	if err := m.failure(pin); err != nil {
		return err
	}
	if duty > p.cycle {
		return errors.Errorf("pin %d: duty %d exceeds cycle %d", pin, duty, p.cycle)
	}
	p.staged = duty
	return nil
}

func (m *MockDriver) UpdateDuty(pin int) error {
	debug.GPIO("UpdateDuty", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pwm[pin]
	if !ok {
		return errors.Errorf("pin %d: pwm not configured", pin)
	}
	if err := m.failure(pin); err != nil {
		return err
	}
	p.latched = p.staged
	p.updates++
	return nil
}

func (m *MockDriver) WatchEdges(pin int, fn func(at time.Time)) (func(), error) {
	debug.GPIO("WatchEdges", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(pin); err != nil {
		return nil, err
	}
	if _, ok := m.watchers[pin]; ok {
		return nil, errors.Errorf("pin %d: edges already watched", pin)
	}
	m.modes[pin] = Input
	m.watchers[pin] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, pin)
	}, nil
}

// Pulse injects n rising edges on pin, EdgeSpacing apart.
// It returns false if nothing watches the pin.
func (m *MockDriver) Pulse(pin, n int) bool {
	m.mu.Lock()
	fn, ok := m.watchers[pin]
	m.mu.Unlock()
	if !ok {
		return false
	}
	for i := 0; i < n; i++ {
		m.mu.Lock()
		m.clock = m.clock.Add(m.EdgeSpacing)
		at := m.clock
		m.mu.Unlock()
		fn(at)
	}
	return true
}

// PulseAt injects one rising edge with an explicit timestamp.
func (m *MockDriver) PulseAt(pin int, at time.Time) bool {
	m.mu.Lock()
	fn, ok := m.watchers[pin]
	m.mu.Unlock()
	if ok {
		fn(at)
	}
	return ok
}

// Duty returns the latched duty of a PWM pin.
func (m *MockDriver) Duty(pin int) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pwm[pin]; ok {
		return p.latched
	}
	return 0
}

// PWMConfig returns the frequency and cycle a PWM pin was configured with.
func (m *MockDriver) PWMConfig(pin int) (physic.Frequency, uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pwm[pin]
	if !ok {
		return 0, 0, false
	}
	return p.freq, p.cycle, true
}

// Updates returns how many times the duty of a PWM pin was latched.
func (m *MockDriver) Updates(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pwm[pin]; ok {
		return p.updates
	}
	return 0
}

// Level returns the last level written to pin.
func (m *MockDriver) Level(pin int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin]
}

// Mode returns the mode pin was set up with.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = make(map[int]func(time.Time))
	return nil
}

func (p PinMode) String() string {
	switch p {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("PinMode(%d)", int(p))
	}
}
