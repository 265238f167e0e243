package pid

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func newDefault(t *testing.T) *Block {
	t.Helper()
	b, err := New(DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	return b
}

func TestFirstStepIsProportional(t *testing.T) {
	b := newDefault(t)
	test.That(t, b.State(), test.ShouldEqual, Initialized)

	out, err := b.Step(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldAlmostEqual, 0.6, 1e-12)
	test.That(t, b.Integral(), test.ShouldEqual, 0.0)
	test.That(t, b.State(), test.ShouldEqual, Running)
}

func TestFirstStepClamped(t *testing.T) {
	b := newDefault(t)
	out, err := b.Step(10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldEqual, 1.0)

	b.Reset()
	out, _ = b.Step(-10)
	test.That(t, out, test.ShouldEqual, -1.0)
}

func TestSecondStepAddsIntegral(t *testing.T) {
	b := newDefault(t)
	_, _ = b.Step(0.5)
	out, err := b.Step(0.5)
	test.That(t, err, test.ShouldBeNil)
	// p = 0.3, i = 0.4*0.5 = 0.2, d = 0
	test.That(t, b.Integral(), test.ShouldAlmostEqual, 0.2, 1e-12)
	test.That(t, out, test.ShouldAlmostEqual, 0.5, 1e-12)
}

func TestDerivativeOnErrorChange(t *testing.T) {
	p := Params{Kd: 1, OutMin: -10, OutMax: 10, IntegralMin: -1, IntegralMax: 1}
	b, err := New(p)
	test.That(t, err, test.ShouldBeNil)

	out, _ := b.Step(2)
	test.That(t, out, test.ShouldEqual, 0.0)
	out, _ = b.Step(3)
	test.That(t, out, test.ShouldAlmostEqual, 1.0, 1e-12)
	out, _ = b.Step(3)
	test.That(t, out, test.ShouldAlmostEqual, 0.0, 1e-12)
}

func TestZeroErrorStaysZero(t *testing.T) {
	b := newDefault(t)
	for i := 0; i < 1000; i++ {
		out, err := b.Step(0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out, test.ShouldEqual, 0.0)
	}
	test.That(t, b.Integral(), test.ShouldEqual, 0.0)
}

func TestIntegralAntiWindup(t *testing.T) {
	b := newDefault(t)
	for i := 0; i < 200; i++ {
		_, _ = b.Step(5)
	}
	test.That(t, b.Integral(), test.ShouldEqual, 0.5)
	test.That(t, b.Output(), test.ShouldEqual, 1.0)

	// Saturated history must not delay the response to a reversed error.
	out, _ := b.Step(-5)
	test.That(t, out, test.ShouldBeLessThan, 1.0)
}

func TestSaturationDoesNotFlipSign(t *testing.T) {
	b := newDefault(t)
	for i, e := range []float64{60, 40, 80} {
		out, err := b.Step(e)
		test.That(t, err, test.ShouldBeNil)
		if out != 1 {
			t.Fatalf("step %d: error %v gave output %v, want 1", i, e, out)
		}
	}
	// A sharp drop still leaves p+i+d positive: 12 + 0.5 - 12.
	out, _ := b.Step(20)
	test.That(t, out, test.ShouldAlmostEqual, 0.5, 1e-9)
}

func TestSaturationSlowApproachStaysPositive(t *testing.T) {
	b := newDefault(t)
	for e := 10.0; e > 0; e-- {
		out, err := b.Step(e)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out, test.ShouldBeGreaterThan, 0.0)
	}
	// e=1 after e=2: p 0.6, i 0.5, d -0.2
	test.That(t, b.Output(), test.ShouldAlmostEqual, 0.9, 1e-12)
}

func TestOutputAndIntegralBoundedForArbitraryErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := newDefault(t)
	prm := b.Params()
	for i := 0; i < 20000; i++ {
		e := (rng.Float64()*2 - 1) * math.Pow(10, float64(rng.Intn(7)-3))
		out, err := b.Step(e)
		test.That(t, err, test.ShouldBeNil)
		if out < prm.OutMin || out > prm.OutMax {
			t.Fatalf("step %d: output %v outside [%v, %v]", i, out, prm.OutMin, prm.OutMax)
		}
		if in := b.Integral(); in < prm.IntegralMin || in > prm.IntegralMax {
			t.Fatalf("step %d: integral %v outside [%v, %v]", i, in, prm.IntegralMin, prm.IntegralMax)
		}
	}
}

func TestNonFiniteErrorKeepsState(t *testing.T) {
	b := newDefault(t)
	_, _ = b.Step(0.3)
	before := *b

	for _, e := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		out, err := b.Step(e)
		test.That(t, errors.Is(err, ErrComputation), test.ShouldBeTrue)
		test.That(t, out, test.ShouldEqual, before.output)
		test.That(t, *b, test.ShouldResemble, before)
	}
}

func TestOverflowIsComputationFailure(t *testing.T) {
	p := DefaultParams()
	p.Kp = math.MaxFloat64
	p.OutMin, p.OutMax = -math.MaxFloat64, math.MaxFloat64
	b, err := New(p)
	test.That(t, err, test.ShouldBeNil)

	_, err = b.Step(10)
	test.That(t, errors.Is(err, ErrComputation), test.ShouldBeTrue)
	test.That(t, b.State(), test.ShouldEqual, Initialized)
}

func TestReset(t *testing.T) {
	b := newDefault(t)
	_, _ = b.Step(1)
	_, _ = b.Step(1)
	b.Reset()
	test.That(t, b.State(), test.ShouldEqual, Initialized)
	test.That(t, b.Output(), test.ShouldEqual, 0.0)
	test.That(t, b.Integral(), test.ShouldEqual, 0.0)

	out, _ := b.Step(1)
	test.That(t, out, test.ShouldAlmostEqual, 0.6, 1e-12)
}

func TestParamsValidate(t *testing.T) {
	test.That(t, DefaultParams().Validate(), test.ShouldBeNil)

	p := DefaultParams()
	p.OutMin, p.OutMax = 1, -1
	p.Kd = math.NaN()
	err := p.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "kd")
	test.That(t, err.Error(), test.ShouldContainSubstring, "output range")

	_, err = New(p)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStateString(t *testing.T) {
	test.That(t, Initialized.String(), test.ShouldEqual, "initialized")
	test.That(t, Running.String(), test.ShouldEqual, "running")
}
