package drive

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/drivebase/internal/debug"
	"github.com/cjeanneret/drivebase/internal/hw/gpio"
	"github.com/cjeanneret/drivebase/internal/logic/scheduler"
)

// Base is the registry of independently controlled motors, keyed by id.
// Motors share nothing but the board.
type Base struct {
	motors map[string]*Motor
	ids    []string
}

// NewBase sets up every motor. If one fails, the ones already set up are
// closed and the error wraps ErrConfiguration.
func NewBase(board gpio.Board, cfgs []Config, opts ...scheduler.Option) (*Base, error) {
	if len(cfgs) == 0 {
		return nil, errors.Wrap(ErrConfiguration, "no motors configured")
	}
	b := &Base{motors: make(map[string]*Motor, len(cfgs))}
	for _, cfg := range cfgs {
		if _, dup := b.motors[cfg.ID]; dup {
			return nil, multierr.Append(
				errors.Wrapf(ErrConfiguration, "duplicate motor id %q", cfg.ID), b.Close())
		}
		m, err := New(board, cfg, opts...)
		if err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		b.motors[cfg.ID] = m
		b.ids = append(b.ids, cfg.ID)
	}
	sort.Strings(b.ids)
	debug.Info("Drive base ready with %d motor(s): %v", len(b.ids), b.ids)
	return b, nil
}

// Start runs every control loop. On failure the loops already started are
// stopped.
func (b *Base) Start(ctx context.Context) error {
	for i, id := range b.ids {
		if err := b.motors[id].Start(ctx); err != nil {
			for _, started := range b.ids[:i] {
				b.motors[started].sched.Stop()
			}
			return errors.Wrapf(err, "start motor %s", id)
		}
	}
	return nil
}

// Stop de-energizes every motor. All motors are stopped even if some fail.
func (b *Base) Stop() error {
	var err error
	for _, id := range b.ids {
		err = multierr.Append(err, b.motors[id].Stop())
	}
	return err
}

// Close stops every motor and releases the encoders.
func (b *Base) Close() error {
	var err error
	for _, id := range b.ids {
		err = multierr.Append(err, b.motors[id].Close())
	}
	return err
}

// IDs returns the motor ids in sorted order.
func (b *Base) IDs() []string {
	return append([]string(nil), b.ids...)
}

// Motor looks a motor up by id.
func (b *Base) Motor(id string) (*Motor, error) {
	m, ok := b.motors[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMotor, "%q", id)
	}
	return m, nil
}

func (b *Base) SetVelocity(id string, v float64) error {
	m, err := b.Motor(id)
	if err != nil {
		return err
	}
	return m.SetVelocity(v)
}

func (b *Base) SetEnabled(id string, on bool) error {
	m, err := b.Motor(id)
	if err != nil {
		return err
	}
	return m.SetEnabled(on)
}

func (b *Base) MeasuredVelocity(id string) (float64, error) {
	m, err := b.Motor(id)
	if err != nil {
		return 0, err
	}
	return m.MeasuredVelocity(), nil
}

func (b *Base) Telemetry(id string) (Telemetry, error) {
	m, err := b.Motor(id)
	if err != nil {
		return Telemetry{}, err
	}
	return m.Telemetry(), nil
}

// Snapshot returns the telemetry of every motor, ordered by id.
func (b *Base) Snapshot() []Telemetry {
	out := make([]Telemetry, 0, len(b.ids))
	for _, id := range b.ids {
		out = append(out, b.motors[id].Telemetry())
	}
	return out
}
