// Package pen implements the single-channel pen actuator: a servo with a
// debounced {up, down} state and a settle delay, touched only from the
// motion task (and during initialization).
package pen

import (
	"time"

	"github.com/cjeanneret/polargo/internal/debug"
	"github.com/cjeanneret/polargo/internal/hw/gpio"
)

// Config holds the hardware configuration for the pen servo.
type Config struct {
	Pin         int
	UpAngleDeg  float64
	DownAngleDeg float64
	SettleDelay time.Duration

	// FreqHz is the servo PWM frequency, typically 50Hz.
	FreqHz int
	// MinPulseUS/MaxPulseUS bound the servo's pulse-width range, used to
	// map an angle in degrees to a duty cycle.
	MinPulseUS int
	MaxPulseUS int
}

// Actuator tracks the pen's cached state so repeated same-state commands
// are no-ops and never consume the settle delay.
type Actuator struct {
	gpio gpio.Driver
	cfg  Config

	down bool
	init bool
}

// NewActuator creates a pen actuator and drives it to the up position.
func NewActuator(g gpio.Driver, cfg Config) (*Actuator, error) {
	if cfg.FreqHz <= 0 {
		cfg.FreqHz = 50
	}
	if cfg.MinPulseUS <= 0 {
		cfg.MinPulseUS = 600
	}
	if cfg.MaxPulseUS <= 0 {
		cfg.MaxPulseUS = 2400
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 400 * time.Millisecond
	}

	if err := g.SetupPWM(cfg.Pin, cfg.FreqHz); err != nil {
		return nil, err
	}

	a := &Actuator{gpio: g, cfg: cfg}
	if err := a.writeAngle(cfg.UpAngleDeg); err != nil {
		return nil, err
	}
	a.down = false
	a.init = true
	return a, nil
}

// Down reports the actuator's current cached pen state.
func (a *Actuator) Down() bool {
	return a.down
}

// SetDown transitions the pen to down (true) or up (false). A request for
// the already-current state is a no-op: it does not write the servo and
// does not wait out the settle delay.
func (a *Actuator) SetDown(down bool) error {
	if a.init && down == a.down {
		return nil
	}

	angle := a.cfg.UpAngleDeg
	if down {
		angle = a.cfg.DownAngleDeg
	}

	debug.Pen(down)
	if err := a.writeAngle(angle); err != nil {
		return err
	}
	time.Sleep(a.cfg.SettleDelay)

	a.down = down
	a.init = true
	return nil
}

// SyncState overwrites the cached pen state without touching the servo,
// used when a declared start_position tells the controller what the
// physical pen state already is rather than commanding a transition.
func (a *Actuator) SyncState(down bool) {
	a.down = down
	a.init = true
}

func (a *Actuator) writeAngle(angleDeg float64) error {
	span := float64(a.cfg.MaxPulseUS - a.cfg.MinPulseUS)
	pulseUS := float64(a.cfg.MinPulseUS) + (angleDeg/180.0)*span
	periodNs := uint32(1_000_000_000 / a.cfg.FreqHz)
	dutyNs := uint32(pulseUS * 1000)
	return a.gpio.SetDutyCycle(a.cfg.Pin, dutyNs, periodNs)
}
