package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func capture(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() {
		Init(LevelOff)
	})
	return &buf
}

func TestLevelOffPrintsNothing(t *testing.T) {
	buf := capture(t, LevelOff)
	Info("hello %d", 1)
	Error(errors.New("boom"))
	if buf.Len() != 0 {
		t.Errorf("expected no output at level 0, got %q", buf.String())
	}
}

func TestLevelGating(t *testing.T) {
	buf := capture(t, LevelLive)

	Info("info line")
	Live("live line")
	Verbose("verbose line")
	GPIO("WritePin", 5, true)

	out := buf.String()
	if !strings.Contains(out, "info line") {
		t.Errorf("missing info line in %q", out)
	}
	if !strings.Contains(out, "live line") {
		t.Errorf("missing live line in %q", out)
	}
	if strings.Contains(out, "verbose line") {
		t.Errorf("verbose line should be suppressed at level 2, got %q", out)
	}
	if strings.Contains(out, "WritePin") {
		t.Errorf("GPIO trace should be suppressed at level 2, got %q", out)
	}
}

func TestTraceShowsGPIO(t *testing.T) {
	buf := capture(t, LevelTrace)
	GPIO("SetDuty", 18, 512)
	if !strings.Contains(buf.String(), "pin=18 value=512") {
		t.Errorf("expected GPIO trace, got %q", buf.String())
	}
}

func TestStructuredHelpers(t *testing.T) {
	buf := capture(t, LevelVerbose)
	Anomaly("left", "sensor", 4000)
	Cycle("left", 3, 0.5, 0.25, 0.1)

	out := buf.String()
	if !strings.Contains(out, "left") || !strings.Contains(out, "sensor") {
		t.Errorf("anomaly fields missing: %q", out)
	}
	if !strings.Contains(out, "cycle") {
		t.Errorf("cycle entry missing: %q", out)
	}
}

func TestIsEnabled(t *testing.T) {
	capture(t, LevelVerbose)
	if !IsEnabled(LevelInfo) || !IsEnabled(LevelVerbose) {
		t.Error("levels up to verbose should be enabled")
	}
	if IsEnabled(LevelTrace) {
		t.Error("trace should not be enabled at level 3")
	}
}

func TestFmt(t *testing.T) {
	capture(t, LevelOff)
	if got := Fmt("x=%d", 1); got != "" {
		t.Errorf("Fmt at level 0 = %q, want empty", got)
	}
	capture(t, LevelInfo)
	if got := Fmt("x=%d", 1); got != "x=1" {
		t.Errorf("Fmt = %q, want x=1", got)
	}
}
