package steering

import (
	"errors"
	"math"
	"testing"

	"go.viam.com/test"

	"github.com/cjeanneret/drivebase/internal/hw/encoder"
	"github.com/cjeanneret/drivebase/internal/hw/gpio"
)

type fakeSteerable struct {
	set []encoder.Direction
	err error
}

func (f *fakeSteerable) SetDirection(d encoder.Direction) error {
	f.set = append(f.set, d)
	return f.err
}

func TestFor(t *testing.T) {
	test.That(t, For(0.3), test.ShouldEqual, encoder.Increment)
	test.That(t, For(1e-9), test.ShouldEqual, encoder.Increment)
	test.That(t, For(-0.01), test.ShouldEqual, encoder.Decrement)
	test.That(t, For(-1), test.ShouldEqual, encoder.Decrement)
	test.That(t, For(0), test.ShouldEqual, encoder.Hold)
	test.That(t, For(math.Copysign(0, -1)), test.ShouldEqual, encoder.Hold)
	test.That(t, For(math.NaN()), test.ShouldEqual, encoder.Hold)
}

func TestForIsPure(t *testing.T) {
	for _, p := range []float64{-1, -0.5, 0, 0.5, 1} {
		test.That(t, For(p), test.ShouldEqual, For(p))
	}
}

func TestSteer(t *testing.T) {
	f := &fakeSteerable{}
	d, err := Steer(f, -0.4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldEqual, encoder.Decrement)

	_, err = Steer(f, 0.2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.set, test.ShouldResemble, []encoder.Direction{encoder.Decrement, encoder.Increment})
}

func TestSteerPropagatesError(t *testing.T) {
	f := &fakeSteerable{err: errors.New("closed")}
	_, err := Steer(f, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSteerTracker(t *testing.T) {
	tr, err := encoder.New(gpio.NewMockDriver(), encoder.Config{Pin: 4})
	test.That(t, err, test.ShouldBeNil)
	defer tr.Close()

	_, err = Steer(tr, 0.7)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Direction(), test.ShouldEqual, encoder.Increment)
}
