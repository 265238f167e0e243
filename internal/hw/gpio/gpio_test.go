package gpio

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
)

func TestNewBoard_UnknownBackend(t *testing.T) {
	if _, err := NewBoard("arduino"); err == nil {
		t.Error("expected error for unknown backend, got nil")
	}
}

func TestNewBoard_Mock(t *testing.T) {
	b, err := NewBoard(BackendMock)
	if err != nil {
		t.Fatalf("NewBoard(mock): %v", err)
	}
	if _, ok := b.(*MockDriver); !ok {
		t.Errorf("expected *MockDriver, got %T", b)
	}
}

func TestMockDriver_DutyIsStagedUntilUpdate(t *testing.T) {
	m := NewMockDriver()
	if err := m.SetupPWM(18, 4*physic.KiloHertz, 1024); err != nil {
		t.Fatalf("SetupPWM: %v", err)
	}
	if err := m.SetDuty(18, 512); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if got := m.Duty(18); got != 0 {
		t.Errorf("duty before UpdateDuty = %d, want 0", got)
	}
	if err := m.UpdateDuty(18); err != nil {
		t.Fatalf("UpdateDuty: %v", err)
	}
	if got := m.Duty(18); got != 512 {
		t.Errorf("duty after UpdateDuty = %d, want 512", got)
	}
	if got := m.Updates(18); got != 1 {
		t.Errorf("updates = %d, want 1", got)
	}
	freq, cycle, ok := m.PWMConfig(18)
	if !ok || freq != 4*physic.KiloHertz || cycle != 1024 {
		t.Errorf("PWMConfig = %v, %d, %v", freq, cycle, ok)
	}
}

func TestMockDriver_DutyBeyondCycle(t *testing.T) {
	m := NewMockDriver()
	_ = m.SetupPWM(18, 4*physic.KiloHertz, 1024)
	if err := m.SetDuty(18, 1025); err == nil {
		t.Error("expected error for duty > cycle")
	}
	if err := m.SetDuty(19, 1); err == nil {
		t.Error("expected error for unconfigured pwm pin")
	}
}

func TestMockDriver_Fail(t *testing.T) {
	m := NewMockDriver()
	boom := errors.New("boom")
	m.Fail(5, boom)
	err := m.SetupPin(5, Output)
	if !errors.Is(err, boom) {
		t.Errorf("SetupPin error = %v, want wrapping boom", err)
	}
	if err := m.SetupPin(6, Output); err != nil {
		t.Errorf("other pins should not fail: %v", err)
	}
}

func TestMockDriver_PulseDeliversEdges(t *testing.T) {
	m := NewMockDriver()
	m.EdgeSpacing = 2 * time.Millisecond
	var stamps []time.Time
	stop, err := m.WatchEdges(4, func(at time.Time) { stamps = append(stamps, at) })
	if err != nil {
		t.Fatalf("WatchEdges: %v", err)
	}
	if !m.Pulse(4, 3) {
		t.Fatal("Pulse returned false for watched pin")
	}
	if len(stamps) != 3 {
		t.Fatalf("got %d edges, want 3", len(stamps))
	}
	if d := stamps[1].Sub(stamps[0]); d != 2*time.Millisecond {
		t.Errorf("edge spacing = %v, want 2ms", d)
	}
	if mode, _ := m.Mode(4); mode != Input {
		t.Errorf("watched pin mode = %v, want input", mode)
	}

	if _, err := m.WatchEdges(4, func(time.Time) {}); err == nil {
		t.Error("expected error when watching the same pin twice")
	}

	stop()
	if m.Pulse(4, 1) {
		t.Error("Pulse should return false after stop")
	}
}

func TestMockDriver_WriteReadLevel(t *testing.T) {
	m := NewMockDriver()
	if err := m.WritePin(7, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	lvl, err := m.ReadPin(7)
	if err != nil || lvl != High {
		t.Errorf("ReadPin = %v, %v; want High, nil", lvl, err)
	}
}
