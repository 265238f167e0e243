// Package velocity turns encoder count differences into angular velocity.
package velocity

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Estimator converts the pulse delta of one sampling period into rad/s.
type Estimator struct {
	PulsesPerRevolution int
	Period              time.Duration
	MaxDelta            int // |delta| above this is clamped; 0 = no limit
}

// Sample is the result of one estimate.
type Sample struct {
	Delta    int     // pulses counted this period, after clamping
	RawDelta int     // pulses counted this period, as read
	Velocity float64 // rad/s
	Clamped  bool
}

// New validates the parameters.
func New(ppr int, period time.Duration, maxDelta int) (*Estimator, error) {
	e := &Estimator{PulsesPerRevolution: ppr, Period: period, MaxDelta: maxDelta}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Estimator) Validate() error {
	if e.PulsesPerRevolution <= 0 {
		return errors.Errorf("pulses per revolution must be > 0, got %d", e.PulsesPerRevolution)
	}
	if e.Period <= 0 {
		return errors.Errorf("sampling period must be > 0, got %v", e.Period)
	}
	if e.MaxDelta < 0 {
		return errors.Errorf("max delta must be >= 0, got %d", e.MaxDelta)
	}
	return nil
}

// Displacement returns the wheel angle in radians covered by delta pulses.
func (e *Estimator) Displacement(delta int) float64 {
	return float64(delta) / float64(e.PulsesPerRevolution) * 2 * math.Pi
}

// Estimate computes the velocity from two consecutive counts.
func (e *Estimator) Estimate(current, previous int) Sample {
	raw := current - previous
	s := Sample{Delta: raw, RawDelta: raw}
	if e.MaxDelta > 0 {
		if raw > e.MaxDelta {
			s.Delta, s.Clamped = e.MaxDelta, true
		} else if raw < -e.MaxDelta {
			s.Delta, s.Clamped = -e.MaxDelta, true
		}
	}
	s.Velocity = e.Displacement(s.Delta) / e.Period.Seconds()
	return s
}

// PulsesPerPeriod returns the pulse count expected in one period at rad/s v.
func (e *Estimator) PulsesPerPeriod(v float64) float64 {
	return v * e.Period.Seconds() / (2 * math.Pi) * float64(e.PulsesPerRevolution)
}
