// Package console is an interactive bench shell for driving motors by hand.
package console

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell/v2"
	"github.com/pkg/errors"

	"github.com/cjeanneret/drivebase/internal/drive"
)

// Drive is the part of the drive base the console commands use.
type Drive interface {
	IDs() []string
	Telemetry(id string) (drive.Telemetry, error)
	SetVelocity(id string, v float64) error
	SetEnabled(id string, on bool) error
	Stop() error
}

// Printer is satisfied by *ishell.Context.
type Printer interface {
	Printf(format string, val ...interface{})
}

var errUsage = errors.New("usage")

// Velocity handles `velocity <id> <rad/s>`.
func Velocity(d Drive, p Printer, args []string) error {
	if len(args) != 2 {
		return errors.Wrap(errUsage, "velocity <id> <rad/s>")
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Errorf("bad velocity %q", args[1])
	}
	if err := d.SetVelocity(args[0], v); err != nil {
		return err
	}
	p.Printf("%s setpoint %g rad/s\n", args[0], v)
	return nil
}

// Enable handles `enable <id> on|off`.
func Enable(d Drive, p Printer, args []string) error {
	if len(args) != 2 {
		return errors.Wrap(errUsage, "enable <id> on|off")
	}
	var on bool
	switch strings.ToLower(args[1]) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return errors.Errorf("bad state %q, want on or off", args[1])
	}
	if err := d.SetEnabled(args[0], on); err != nil {
		return err
	}
	p.Printf("%s enabled=%v\n", args[0], on)
	return nil
}

// Status handles `status [id]`. Without an id every motor is listed.
func Status(d Drive, p Printer, args []string) error {
	ids := args
	if len(ids) == 0 {
		ids = d.IDs()
	}
	for _, id := range ids {
		t, err := d.Telemetry(id)
		if err != nil {
			return err
		}
		p.Printf("%s\n", FormatTelemetry(t))
	}
	return nil
}

// Stop handles `stop`: every motor is de-energized and its loop halted.
func Stop(d Drive, p Printer, _ []string) error {
	if err := d.Stop(); err != nil {
		return err
	}
	p.Printf("all motors stopped\n")
	return nil
}

// FormatTelemetry renders one status line.
func FormatTelemetry(t drive.Telemetry) string {
	return fmt.Sprintf("%-8s en=%-5v run=%-5v set=%8.3f meas=%8.3f pwr=%+.3f dir=%-9s duty=%d/%d/%d anomalies=%d",
		t.ID, t.Enabled, t.Running, t.Setpoint, t.Measured, t.Power, t.Direction,
		t.DutyForward, t.DutyReverse, t.MaxDuty, t.Anomalies)
}

type command struct {
	name string
	help string
	run  func(Drive, Printer, []string) error
}

var commands = []command{
	{"velocity", "velocity <id> <rad/s>", Velocity},
	{"enable", "enable <id> on|off", Enable},
	{"status", "status [id]", Status},
	{"stop", "stop: de-energize every motor", Stop},
}

// New builds the shell with every command registered.
func New(d Drive) *ishell.Shell {
	shell := ishell.New()
	shell.Println("drivebase bench shell")
	for _, cmd := range commands {
		cmd := cmd
		shell.AddCmd(&ishell.Cmd{
			Name: cmd.name,
			Help: cmd.help,
			Func: func(c *ishell.Context) {
				if err := cmd.run(d, c, c.Args); err != nil {
					c.Printf("error: %v\n", err)
				}
			},
		})
	}
	return shell
}

// Run blocks until the shell exits or ctx is done.
func Run(ctx context.Context, d Drive) {
	shell := New(d)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shell.Close()
		case <-done:
		}
	}()
	shell.Run()
}
