package drive

import (
	"github.com/pkg/errors"

	"github.com/cjeanneret/drivebase/internal/logic/pid"
)

var (
	// ErrConfiguration marks a motor that could not be set up. Such a motor
	// never runs.
	ErrConfiguration = errors.New("drive: configuration failure")
	// ErrComputation marks a control step whose PID output was not finite.
	// The previous power is held.
	ErrComputation = pid.ErrComputation
	// ErrSensorAnomaly marks an implausible or unreadable encoder sample.
	ErrSensorAnomaly = errors.New("drive: sensor anomaly")
	// ErrUnknownMotor is returned for an id no motor is registered under.
	ErrUnknownMotor = errors.New("drive: unknown motor")
	// ErrInvalidSetpoint is returned for a non-finite or out of range velocity.
	ErrInvalidSetpoint = errors.New("drive: invalid setpoint")
)
