package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/physic"

	"github.com/cjeanneret/drivebase/internal/debug"
)

// edgePollInterval is how often the rpio event detect register is polled.
// Two edges within one interval are seen as one.
const edgePollInterval = 100 * time.Microsecond

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Hardware PWM is only available on the PWM capable pins (12, 13, 18, 19).
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
	pwm  map[int]*rpioPWM
}

type rpioPWM struct {
	cycle  uint32
	staged uint32
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, errors.Wrap(err, "failed to open GPIO (are you running on a Raspberry Pi?)")
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		pwm:  make(map[int]*rpioPWM),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupPin(pin, mode)
}

func (r *RPiDriver) setupPin(pin int, mode PinMode) error {
	p := rpio.Pin(pin)
	r.pins[pin] = p

	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return errors.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.setupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.setupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// SetupPWM switches pin to its PWM function. The PWM clock runs at
// freq*cycle so that one period is cycle ticks long.
func (r *RPiDriver) SetupPWM(pin int, freq physic.Frequency, cycle uint32) error {
	debug.GPIO("SetupPWM", pin, freq)
	if cycle == 0 {
		return errors.Errorf("pin %d: pwm cycle must be > 0", pin)
	}
	hz := int64(freq / physic.Hertz)
	if hz <= 0 {
		return errors.Errorf("pin %d: pwm frequency %s too low", pin, freq)
	}
	// go-rpio documents 4688 Hz - 19.2 MHz as the usable clock range.
	clk := hz * int64(cycle)
	if clk < 4688 || clk > 19200000 {
		return errors.Errorf("pin %d: pwm clock %d Hz outside 4688 Hz - 19.2 MHz", pin, clk)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(int(clk))
	p.DutyCycle(0, cycle)
	r.pins[pin] = p
	r.pwm[pin] = &rpioPWM{cycle: cycle}
	return nil
}

func (r *RPiDriver) SetDuty(pin int, duty uint32) error {
	debug.GPIO("SetDuty", pin, duty)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pwm[pin]
	if !ok {
		return errors.Errorf("pin %d: pwm not configured", pin)
	}
	if duty > c.cycle {
		return errors.Errorf("pin %d: duty %d exceeds cycle %d", pin, duty, c.cycle)
	}
	c.staged = duty
	return nil
}

func (r *RPiDriver) UpdateDuty(pin int) error {
	debug.GPIO("UpdateDuty", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pwm[pin]
	if !ok {
		return errors.Errorf("pin %d: pwm not configured", pin)
	}
	r.pins[pin].DutyCycle(c.staged, c.cycle)
	return nil
}

// WatchEdges enables rising edge detection on pin and polls the event
// register from a dedicated goroutine.
func (r *RPiDriver) WatchEdges(pin int, fn func(at time.Time)) (func(), error) {
	debug.GPIO("WatchEdges", pin, nil)
	r.mu.Lock()
	p := rpio.Pin(pin)
	p.Input()
	p.PullUp()
	p.Detect(rpio.RiseEdge)
	r.pins[pin] = p
	r.mu.Unlock()

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(edgePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				if p.EdgeDetected() {
					fn(now)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
			p.Detect(rpio.NoEdge)
		})
	}, nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()

	// Zero PWM outputs, then reset all pins to input (safe state)
	for pin, c := range r.pwm {
		debug.Verbose("Zeroing pwm pin %d", pin)
		r.pins[pin].DutyCycle(0, c.cycle)
	}
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Detect(rpio.NoEdge)
		p.Input()
	}

	return rpio.Close()
}
