package pen

import (
	"testing"
	"time"

	"github.com/cjeanneret/polargo/internal/hw/gpio"
)

// countingDriver counts SetDutyCycle calls so tests can assert idempotent
// commands never touch the servo.
type countingDriver struct {
	gpio.MockDriver
	dutyWrites int
}

func (d *countingDriver) SetDutyCycle(pin int, dutyNs, periodNs uint32) error {
	d.dutyWrites++
	return nil
}

func newTestConfig() Config {
	return Config{
		Pin:          18,
		UpAngleDeg:   60,
		DownAngleDeg: 90,
		SettleDelay:  1 * time.Millisecond,
	}
}

func TestActuator_StartsUp(t *testing.T) {
	drv := &countingDriver{}
	a, err := NewActuator(drv, newTestConfig())
	if err != nil {
		t.Fatalf("NewActuator: %v", err)
	}
	if a.Down() {
		t.Error("expected actuator to start up")
	}
}

func TestActuator_SetDown_TransitionsAndWrites(t *testing.T) {
	drv := &countingDriver{}
	a, _ := NewActuator(drv, newTestConfig())
	before := drv.dutyWrites

	if err := a.SetDown(true); err != nil {
		t.Fatalf("SetDown(true): %v", err)
	}
	if !a.Down() {
		t.Error("expected Down() true after SetDown(true)")
	}
	if drv.dutyWrites <= before {
		t.Error("expected a servo write for a real state transition")
	}
}

func TestActuator_SameStateIsNoOp(t *testing.T) {
	drv := &countingDriver{}
	a, _ := NewActuator(drv, newTestConfig())

	before := drv.dutyWrites
	if err := a.SetDown(false); err != nil { // already up
		t.Fatalf("SetDown(false): %v", err)
	}
	if drv.dutyWrites != before {
		t.Error("expected no servo write for an idempotent same-state command")
	}
}

func TestActuator_SameStateDoesNotWaitSettleDelay(t *testing.T) {
	cfg := newTestConfig()
	cfg.SettleDelay = 200 * time.Millisecond
	drv := &countingDriver{}
	a, _ := NewActuator(drv, cfg)

	start := time.Now()
	if err := a.SetDown(false); err != nil {
		t.Fatalf("SetDown(false): %v", err)
	}
	if elapsed := time.Since(start); elapsed >= cfg.SettleDelay {
		t.Errorf("idempotent SetDown took %v, expected to skip the settle delay", elapsed)
	}
}

func TestActuator_SyncState_DoesNotWriteServo(t *testing.T) {
	drv := &countingDriver{}
	a, _ := NewActuator(drv, newTestConfig())
	before := drv.dutyWrites

	a.SyncState(true)

	if !a.Down() {
		t.Error("expected Down() true after SyncState(true)")
	}
	if drv.dutyWrites != before {
		t.Error("SyncState must not write the servo")
	}
}
