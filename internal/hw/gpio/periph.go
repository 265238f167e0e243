package gpio

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/cjeanneret/drivebase/internal/debug"
)

// edgeWaitTimeout bounds each WaitForEdge call so a watcher notices stop.
const edgeWaitTimeout = 50 * time.Millisecond

// PeriphDriver drives pins through periph.io. Pins are looked up by their
// number in the periph registry ("18" for GPIO18 on a Raspberry Pi).
type PeriphDriver struct {
	mu   sync.Mutex
	pins map[int]pgpio.PinIO
	pwm  map[int]*periphPWM
}

type periphPWM struct {
	freq   physic.Frequency
	cycle  uint32
	staged uint32
}

// NewPeriphDriver initializes the periph host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing real GPIO driver (periph)")
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}
	return &PeriphDriver{
		pins: make(map[int]pgpio.PinIO),
		pwm:  make(map[int]*periphPWM),
	}, nil
}

// pin must be called with d.mu held.
func (d *PeriphDriver) pin(n int) (pgpio.PinIO, error) {
	if p, ok := d.pins[n]; ok {
		return p, nil
	}
	p := gpioreg.ByName(strconv.Itoa(n))
	if p == nil {
		return nil, errors.Errorf("no such pin %d", n)
	}
	d.pins[n] = p
	return p, nil
}

func (d *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	switch mode {
	case Input:
		return p.In(pgpio.PullNoChange, pgpio.NoEdge)
	case Output:
		return p.Out(pgpio.Low)
	default:
		return errors.Errorf("unknown pin mode: %d", mode)
	}
}

func (d *PeriphDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	return p.Out(pgpio.Level(level))
}

func (d *PeriphDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(pin)
	if err != nil {
		return Low, err
	}
	return Level(p.Read()), nil
}

func (d *PeriphDriver) SetupPWM(pin int, freq physic.Frequency, cycle uint32) error {
	debug.GPIO("SetupPWM", pin, freq)
	if cycle == 0 {
		return errors.Errorf("pin %d: pwm cycle must be > 0", pin)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	if err := p.PWM(0, freq); err != nil {
		return errors.Wrapf(err, "pin %d: pwm at %s", pin, freq)
	}
	d.pwm[pin] = &periphPWM{freq: freq, cycle: cycle}
	return nil
}

func (d *PeriphDriver) SetDuty(pin int, duty uint32) error {
	debug.GPIO("SetDuty", pin, duty)
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pwm[pin]
	if !ok {
		return errors.Errorf("pin %d: pwm not configured", pin)
	}
	if duty > c.cycle {
		return errors.Errorf("pin %d: duty %d exceeds cycle %d", pin, duty, c.cycle)
	}
	c.staged = duty
	return nil
}

func (d *PeriphDriver) UpdateDuty(pin int) error {
	debug.GPIO("UpdateDuty", pin, nil)
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pwm[pin]
	if !ok {
		return errors.Errorf("pin %d: pwm not configured", pin)
	}
	duty := pgpio.Duty(uint64(c.staged) * uint64(pgpio.DutyMax) / uint64(c.cycle))
	return d.pins[pin].PWM(duty, c.freq)
}

// WatchEdges configures pin as a pulled-up rising edge input and blocks on
// WaitForEdge from a dedicated goroutine.
func (d *PeriphDriver) WatchEdges(pin int, fn func(at time.Time)) (func(), error) {
	debug.GPIO("WatchEdges", pin, nil)
	d.mu.Lock()
	p, err := d.pin(pin)
	if err == nil {
		err = p.In(pgpio.PullUp, pgpio.RisingEdge)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "pin %d: edge input", pin)
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			default:
			}
			if p.WaitForEdge(edgeWaitTimeout) {
				fn(time.Now())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}, nil
}

func (d *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph)")
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	for n, p := range d.pins {
		debug.Verbose("Halting pin %d", n)
		err = multierr.Append(err, errors.Wrapf(p.Halt(), "halt pin %d", n))
	}
	return err
}
