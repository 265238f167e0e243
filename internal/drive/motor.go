// Package drive runs one closed velocity loop per wheel motor: sample the
// encoder, estimate velocity, step the PID, drive the bridge and steer the
// encoder counting direction, once per period.
package drive

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cjeanneret/drivebase/internal/debug"
	"github.com/cjeanneret/drivebase/internal/hw/bridge"
	"github.com/cjeanneret/drivebase/internal/hw/encoder"
	"github.com/cjeanneret/drivebase/internal/hw/gpio"
	"github.com/cjeanneret/drivebase/internal/logic/pid"
	"github.com/cjeanneret/drivebase/internal/logic/scheduler"
	"github.com/cjeanneret/drivebase/internal/logic/steering"
	"github.com/cjeanneret/drivebase/internal/logic/velocity"
)

// DefaultPeriod is the sampling period of the control loop.
const DefaultPeriod = 10 * time.Millisecond

// Config describes one motor.
type Config struct {
	ID                  string
	Bridge              bridge.Config
	Encoder             encoder.Config
	PulsesPerRevolution int
	Period              time.Duration // 0 = DefaultPeriod
	MaxDelta            int           // pulses per period above which a sample is an anomaly; 0 = off
	MaxVelocity         float64       // |setpoint| limit in rad/s; 0 = off
	PID                 pid.Params
	EnableOnStart       bool
}

// Motor is one wheel: bridge, encoder tracker, estimator, PID block and
// the scheduler running its control step.
//
// setpoint is written by callers and read by the control step. measured,
// power and direction are written by the control step only. Everything else
// in the control path (pid block, prevCount) is touched by the control step
// goroutine alone.
type Motor struct {
	id      string
	cfg     Config
	tracker *encoder.Tracker
	bridge  *bridge.Bridge
	est     *velocity.Estimator
	pid     *pid.Block
	sched   *scheduler.Scheduler

	prevCount int

	setpoint  atomic.Float64
	measured  atomic.Float64
	power     atomic.Float64
	enabled   atomic.Bool
	direction atomic.Int32
	count     atomic.Int64
	delta     atomic.Int64

	cycles          atomic.Uint64
	anomalies       atomic.Uint64
	readFailures    atomic.Uint64
	computeFailures atomic.Uint64
	outputFailures  atomic.Uint64
}

// New sets up the bridge and encoder of one motor and creates its
// scheduler. The loop does not run until Start. Any failure is wrapped in
// ErrConfiguration and releases what was already set up.
func New(board gpio.Board, cfg Config, opts ...scheduler.Option) (*Motor, error) {
	if cfg.ID == "" {
		return nil, errors.Wrap(ErrConfiguration, "motor id is empty")
	}
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}
	fail := func(err error) (*Motor, error) {
		debug.Info("Motor %s: configuration failed: %v", cfg.ID, err)
		return nil, errors.Wrapf(ErrConfiguration, "motor %s: %v", cfg.ID, err)
	}
	if cfg.MaxVelocity < 0 || math.IsNaN(cfg.MaxVelocity) {
		return fail(errors.Errorf("max velocity %v", cfg.MaxVelocity))
	}

	est, err := velocity.New(cfg.PulsesPerRevolution, cfg.Period, cfg.MaxDelta)
	if err != nil {
		return fail(err)
	}
	block, err := pid.New(cfg.PID)
	if err != nil {
		return fail(err)
	}
	br, err := bridge.New(board, cfg.Bridge)
	if err != nil {
		return fail(err)
	}
	tr, err := encoder.New(board, cfg.Encoder)
	if err != nil {
		return fail(multierr.Append(err, br.Stop()))
	}

	m := &Motor{
		id:      cfg.ID,
		cfg:     cfg,
		tracker: tr,
		bridge:  br,
		est:     est,
		pid:     block,
	}
	m.direction.Store(int32(tr.Direction()))

	opts = append([]scheduler.Option{scheduler.WithName(cfg.ID)}, opts...)
	m.sched, err = scheduler.New(cfg.Period, func() { _ = m.Step() }, opts...)
	if err != nil {
		return fail(multierr.Combine(err, tr.Close(), br.Stop()))
	}

	if cfg.EnableOnStart {
		if err := m.SetEnabled(true); err != nil {
			return fail(multierr.Combine(err, tr.Close(), br.Stop()))
		}
	}

	debug.Info("Motor %s ready: fwd=%d rev=%d en=%d enc=%d ppr=%d period=%v",
		cfg.ID, cfg.Bridge.ForwardPin, cfg.Bridge.ReversePin, cfg.Bridge.EnablePin,
		cfg.Encoder.Pin, cfg.PulsesPerRevolution, cfg.Period)
	return m, nil
}

// ID returns the motor id.
func (m *Motor) ID() string { return m.id }

// Start runs the control loop until ctx is done or Stop is called.
func (m *Motor) Start(ctx context.Context) error {
	return m.sched.Start(ctx)
}

// Step runs one control cycle. The scheduler calls it once per period; it
// is exported for tests and bench tools that drive the loop by hand. It
// must not be called concurrently with itself.
//
// The returned error reports what went wrong in this cycle; the cycle has
// already handled it (logged, counted, power held) by the time it returns.
func (m *Motor) Step() error {
	count, err := m.tracker.ReadCount()
	if err != nil {
		m.readFailures.Inc()
		debug.Anomaly(m.id, "read", err)
		return errors.Wrapf(ErrSensorAnomaly, "motor %s: read count: %v", m.id, err)
	}

	sample := m.est.Estimate(count, m.prevCount)
	m.prevCount = count
	m.count.Store(int64(count))
	m.delta.Store(int64(sample.Delta))
	m.measured.Store(sample.Velocity)

	var result error
	if sample.Clamped {
		m.anomalies.Inc()
		debug.Anomaly(m.id, "sensor", sample.RawDelta)
		result = errors.Wrapf(ErrSensorAnomaly, "motor %s: delta %d clamped to %d", m.id, sample.RawDelta, sample.Delta)
	}

	if !m.enabled.Load() {
		// Disabled: keep sampling, hold the PID at rest and the output at zero.
		m.pid.Reset()
		return multierr.Append(result, m.apply(0))
	}

	e := m.setpoint.Load() - sample.Velocity
	out, err := m.pid.Step(e)
	if err != nil {
		m.computeFailures.Inc()
		debug.Anomaly(m.id, "computation", err)
		return multierr.Append(result, errors.Wrapf(err, "motor %s", m.id))
	}
	debug.Cycle(m.id, sample.Delta, sample.Velocity, e, out)
	m.cycles.Inc()
	return multierr.Append(result, m.apply(out))
}

// apply drives the bridge and then steers the encoder from the sign of the
// power actually applied.
func (m *Motor) apply(power float64) error {
	if err := m.bridge.Apply(power); err != nil {
		m.outputFailures.Inc()
		debug.Anomaly(m.id, "output", err)
		return errors.Wrapf(err, "motor %s", m.id)
	}
	m.power.Store(power)
	dir, err := steering.Steer(m.tracker, power)
	if err != nil {
		return errors.Wrapf(err, "motor %s: steer", m.id)
	}
	m.direction.Store(int32(dir))
	return nil
}

// SetVelocity sets the target velocity in rad/s. It never blocks the
// control step.
func (m *Motor) SetVelocity(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Wrapf(ErrInvalidSetpoint, "motor %s: %v", m.id, v)
	}
	if m.cfg.MaxVelocity > 0 && math.Abs(v) > m.cfg.MaxVelocity {
		return errors.Wrapf(ErrInvalidSetpoint, "motor %s: |%g| > %g", m.id, v, m.cfg.MaxVelocity)
	}
	m.setpoint.Store(v)
	debug.Setpoint(m.id, v)
	return nil
}

// SetEnabled drives the enable line directly. While disabled the control
// step keeps sampling but holds the PID reset and the output at zero.
func (m *Motor) SetEnabled(on bool) error {
	if err := m.bridge.SetEnabled(on); err != nil {
		if !on {
			// the bridge is gated anyway; keep the loop from driving it
			m.enabled.Store(false)
		}
		return errors.Wrapf(err, "motor %s", m.id)
	}
	m.enabled.Store(on)
	debug.Live("Motor %s enabled=%v", m.id, on)
	return nil
}

func (m *Motor) Setpoint() float64         { return m.setpoint.Load() }
func (m *Motor) MeasuredVelocity() float64 { return m.measured.Load() }
func (m *Motor) Power() float64            { return m.power.Load() }
func (m *Motor) Enabled() bool             { return m.enabled.Load() }
func (m *Motor) Running() bool             { return m.sched.Running() }

// Direction returns the counting direction last set from the power sign.
func (m *Motor) Direction() encoder.Direction {
	return encoder.Direction(m.direction.Load())
}

// Telemetry is a snapshot of one motor, safe to read from any goroutine.
type Telemetry struct {
	ID              string  `json:"id"`
	Setpoint        float64 `json:"setpoint"`
	Measured        float64 `json:"measured"`
	Power           float64 `json:"power"`
	Enabled         bool    `json:"enabled"`
	Running         bool    `json:"running"`
	Direction       string  `json:"direction"`
	DirectionSource string  `json:"direction_source"`
	DutyForward     uint32  `json:"duty_forward"`
	DutyReverse     uint32  `json:"duty_reverse"`
	MaxDuty         uint32  `json:"max_duty"`
	Count           int64   `json:"count"`
	Delta           int64   `json:"delta"`
	Cycles          uint64  `json:"cycles"`
	Ticks           uint64  `json:"ticks"`
	Overruns        uint64  `json:"overruns"`
	Anomalies       uint64  `json:"anomalies"`
	ReadFailures    uint64  `json:"read_failures"`
	ComputeFailures uint64  `json:"compute_failures"`
	OutputFailures  uint64  `json:"output_failures"`
	GlitchesDropped uint64  `json:"glitches_dropped"`
}

// DirectionCommanded is the only direction source: a single-track encoder
// cannot see direction, so counting follows the commanded power sign.
const DirectionCommanded = "commanded"

func (m *Motor) Telemetry() Telemetry {
	fwd, rev := m.bridge.Duties()
	return Telemetry{
		ID:              m.id,
		Setpoint:        m.setpoint.Load(),
		Measured:        m.measured.Load(),
		Power:           m.power.Load(),
		Enabled:         m.enabled.Load(),
		Running:         m.sched.Running(),
		Direction:       m.Direction().String(),
		DirectionSource: DirectionCommanded,
		DutyForward:     fwd,
		DutyReverse:     rev,
		MaxDuty:         m.bridge.MaxDuty(),
		Count:           m.count.Load(),
		Delta:           m.delta.Load(),
		Cycles:          m.cycles.Load(),
		Ticks:           m.sched.Ticks(),
		Overruns:        m.sched.Overruns(),
		Anomalies:       m.anomalies.Load(),
		ReadFailures:    m.readFailures.Load(),
		ComputeFailures: m.computeFailures.Load(),
		OutputFailures:  m.outputFailures.Load(),
		GlitchesDropped: m.tracker.Filtered(),
	}
}

// Stop halts the loop, then zeroes both channels and pulls enable low.
func (m *Motor) Stop() error {
	m.sched.Stop()
	err := m.bridge.Stop()
	m.enabled.Store(false)
	m.power.Store(0)
	debug.Info("Motor %s stopped", m.id)
	return errors.Wrapf(err, "motor %s: stop", m.id)
}

// Close stops the motor and releases the encoder.
func (m *Motor) Close() error {
	return multierr.Append(m.Stop(), m.tracker.Close())
}
