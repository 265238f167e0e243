// Package steering picks the encoder counting direction from the sign of the
// commanded power. The encoder has a single channel, so the commanded sign is
// the only direction information available.
package steering

import (
	"github.com/cjeanneret/drivebase/internal/hw/encoder"
)

// Steerable is anything whose counting direction can be set.
type Steerable interface {
	SetDirection(encoder.Direction) error
}

// For maps a power command to a counting direction. Zero and NaN hold.
func For(power float64) encoder.Direction {
	switch {
	case power > 0:
		return encoder.Increment
	case power < 0:
		return encoder.Decrement
	default:
		return encoder.Hold
	}
}

// Steer applies For(power) to s and returns the direction set.
func Steer(s Steerable, power float64) (encoder.Direction, error) {
	d := For(power)
	return d, s.SetDirection(d)
}
