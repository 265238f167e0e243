package console

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/cjeanneret/drivebase/internal/drive"
)

type bufPrinter struct{ bytes.Buffer }

func (b *bufPrinter) Printf(format string, val ...interface{}) {
	fmt.Fprintf(&b.Buffer, format, val...)
}

type fakeDrive struct {
	tel     map[string]*drive.Telemetry
	stopped bool
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{tel: map[string]*drive.Telemetry{
		"left":  {ID: "left", MaxDuty: 1024, Direction: "hold"},
		"right": {ID: "right", MaxDuty: 1024, Direction: "hold"},
	}}
}

func (f *fakeDrive) IDs() []string { return []string{"left", "right"} }

func (f *fakeDrive) Telemetry(id string) (drive.Telemetry, error) {
	t, ok := f.tel[id]
	if !ok {
		return drive.Telemetry{}, errors.Wrap(drive.ErrUnknownMotor, id)
	}
	return *t, nil
}

func (f *fakeDrive) SetVelocity(id string, v float64) error {
	t, ok := f.tel[id]
	if !ok {
		return errors.Wrap(drive.ErrUnknownMotor, id)
	}
	t.Setpoint = v
	return nil
}

func (f *fakeDrive) SetEnabled(id string, on bool) error {
	t, ok := f.tel[id]
	if !ok {
		return errors.Wrap(drive.ErrUnknownMotor, id)
	}
	t.Enabled = on
	return nil
}

func (f *fakeDrive) Stop() error {
	f.stopped = true
	return nil
}

func TestVelocity(t *testing.T) {
	d := newFakeDrive()
	var out bufPrinter

	test.That(t, Velocity(d, &out, []string{"left", "-4.5"}), test.ShouldBeNil)
	test.That(t, d.tel["left"].Setpoint, test.ShouldEqual, -4.5)
	test.That(t, out.String(), test.ShouldContainSubstring, "left setpoint -4.5")
}

func TestVelocity_Errors(t *testing.T) {
	d := newFakeDrive()
	var out bufPrinter

	err := Velocity(d, &out, []string{"left"})
	test.That(t, errors.Is(err, errUsage), test.ShouldBeTrue)

	test.That(t, Velocity(d, &out, []string{"left", "fast"}), test.ShouldNotBeNil)
	test.That(t, Velocity(d, &out, []string{"left", "NaN"}), test.ShouldNotBeNil)

	err = Velocity(d, &out, []string{"tail", "1"})
	test.That(t, errors.Is(err, drive.ErrUnknownMotor), test.ShouldBeTrue)
	test.That(t, out.Len(), test.ShouldEqual, 0)
}

func TestEnable(t *testing.T) {
	d := newFakeDrive()
	var out bufPrinter

	test.That(t, Enable(d, &out, []string{"right", "on"}), test.ShouldBeNil)
	test.That(t, d.tel["right"].Enabled, test.ShouldBeTrue)
	test.That(t, Enable(d, &out, []string{"right", "OFF"}), test.ShouldBeNil)
	test.That(t, d.tel["right"].Enabled, test.ShouldBeFalse)

	test.That(t, Enable(d, &out, []string{"right", "maybe"}), test.ShouldNotBeNil)
	test.That(t, errors.Is(Enable(d, &out, nil), errUsage), test.ShouldBeTrue)
}

func TestStatus(t *testing.T) {
	d := newFakeDrive()
	d.tel["left"].Setpoint = 2

	var all bufPrinter
	test.That(t, Status(d, &all, nil), test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(all.String()), "\n")
	test.That(t, len(lines), test.ShouldEqual, 2)
	test.That(t, lines[0], test.ShouldStartWith, "left")
	test.That(t, lines[0], test.ShouldContainSubstring, "set=   2.000")
	test.That(t, lines[1], test.ShouldStartWith, "right")

	var one bufPrinter
	test.That(t, Status(d, &one, []string{"right"}), test.ShouldBeNil)
	test.That(t, strings.Count(one.String(), "\n"), test.ShouldEqual, 1)

	test.That(t, errors.Is(Status(d, &one, []string{"tail"}), drive.ErrUnknownMotor), test.ShouldBeTrue)
}

func TestStop(t *testing.T) {
	d := newFakeDrive()
	var out bufPrinter

	test.That(t, Stop(d, &out, nil), test.ShouldBeNil)
	test.That(t, d.stopped, test.ShouldBeTrue)
	test.That(t, out.String(), test.ShouldContainSubstring, "stopped")
}

func TestCommandTable(t *testing.T) {
	names := map[string]bool{}
	for _, c := range commands {
		test.That(t, c.help, test.ShouldNotBeEmpty)
		names[c.name] = true
	}
	for _, want := range []string{"velocity", "enable", "status", "stop"} {
		test.That(t, names[want], test.ShouldBeTrue)
	}
}
