// Package pid implements an incremental (velocity form) PID block.
//
// Each step adds the change of the proportional, integral and derivative
// terms to the previous output:
//
//	p_k = Kp·e_k
//	i_k = clamp(i_{k-1} + Ki·e_{k-1}, IntegralMin, IntegralMax)
//	d_k = Kd·(e_k - e_{k-1})
//	u_k = clamp(u_{k-1} + (p_k-p_{k-1}) + (i_k-i_{k-1}) + (d_k-d_{k-1}), OutMin, OutMax)
//
// When u_k clamps, the stored p_k is rebased so that p_k+i_k+d_k equals the
// clamped output. Saturation then holds no hidden excess: a smaller but
// still positive error cannot swing the output to the opposite bound.
//
// The first step after New or Reset has no history, so it yields clamp(Kp·e).
package pid

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrComputation is returned when a step would produce a non-finite value.
var ErrComputation = errors.New("pid: non-finite computation")

// Params are the gains and clamps of a block.
type Params struct {
	Kp, Ki, Kd  float64
	OutMin      float64
	OutMax      float64
	IntegralMin float64
	IntegralMax float64
}

// DefaultParams returns the gains tuned for the reference gear-motor.
func DefaultParams() Params {
	return Params{
		Kp: 0.6, Ki: 0.4, Kd: 0.2,
		OutMin: -1, OutMax: 1,
		IntegralMin: -0.5, IntegralMax: 0.5,
	}
}

// Validate reports every problem with p.
func (p Params) Validate() error {
	var err error
	fields := []struct {
		name string
		v    float64
	}{
		{"kp", p.Kp}, {"ki", p.Ki}, {"kd", p.Kd},
		{"out_min", p.OutMin}, {"out_max", p.OutMax},
		{"integral_min", p.IntegralMin}, {"integral_max", p.IntegralMax},
	}
	for _, f := range fields {
		if !finite(f.v) {
			err = multierr.Append(err, errors.Errorf("pid %s is not finite", f.name))
		}
	}
	if p.OutMin >= p.OutMax {
		err = multierr.Append(err, errors.Errorf("pid output range [%g, %g] is empty", p.OutMin, p.OutMax))
	}
	if p.IntegralMin > p.IntegralMax {
		err = multierr.Append(err, errors.Errorf("pid integral range [%g, %g] is empty", p.IntegralMin, p.IntegralMax))
	}
	return err
}

// State of a block.
type State int

const (
	Initialized State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "initialized"
}

// Block holds the PID history. It is not safe for concurrent use; the
// control step owns it.
type Block struct {
	params Params
	state  State

	prevErr  float64
	p        float64
	integral float64
	d        float64
	output   float64
}

// New returns a block in the Initialized state.
func New(p Params) (*Block, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Block{params: p}, nil
}

// Step feeds one error sample and returns the new output. On
// ErrComputation the block is left untouched and the previous output is
// returned.
func (b *Block) Step(e float64) (float64, error) {
	if !finite(e) {
		return b.output, errors.Wrapf(ErrComputation, "error term %v", e)
	}

	p := b.params.Kp * e
	var i, d float64
	if b.state == Running {
		i = clamp(b.integral+b.params.Ki*b.prevErr, b.params.IntegralMin, b.params.IntegralMax)
		d = b.params.Kd * (e - b.prevErr)
	}

	raw := b.output + (p - b.p) + (i - b.integral) + (d - b.d)
	if !finite(raw) {
		return b.output, errors.Wrapf(ErrComputation, "output %v", raw)
	}

	out := clamp(raw, b.params.OutMin, b.params.OutMax)
	if out != raw {
		// Rebase the proportional history on the clamped output so that
		// p+i+d == output holds again and the excess is not carried over.
		p = out - i - d
	}
	b.p, b.integral, b.d = p, i, d
	b.prevErr = e
	b.output = out
	b.state = Running
	return b.output, nil
}

// Reset clears all history.
func (b *Block) Reset() {
	b.state = Initialized
	b.prevErr, b.p, b.integral, b.d, b.output = 0, 0, 0, 0, 0
}

func (b *Block) Output() float64   { return b.output }
func (b *Block) Integral() float64 { return b.integral }
func (b *Block) State() State      { return b.state }
func (b *Block) Params() Params    { return b.params }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
