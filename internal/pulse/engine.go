// Package pulse implements the synchronized dual-stepper pulse generator:
// given signed step deltas for the left and right motors and a target step
// rate, it emits interleaved step pulses (Bresenham's line algorithm run in
// step space) so both axes finish simultaneously.
package pulse

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/polargo/internal/debug"
	"github.com/cjeanneret/polargo/internal/hw/gpio"
)

// DirPolarity selects which GPIO level corresponds to a positive step delta.
// Direction-pin wiring differs across driver boards, so this is made
// configurable per motor rather than hardcoded.
type DirPolarity int

const (
	Normal   DirPolarity = iota // High = positive delta
	Inverted                    // Low = positive delta
)

// MotorPins identifies the GPIO pins driving one stepper motor.
type MotorPins struct {
	StepPin     int
	DirPin      int
	DirPolarity DirPolarity
}

// Config configures the pulse engine.
type Config struct {
	Left  MotorPins
	Right MotorPins

	// MinPulseUS is the minimum STEP-pin high time in microseconds.
	MinPulseUS int

	// YieldEvery is how many loop iterations pass between cooperative
	// yields to the scheduler, so the HTTP task is never starved.
	YieldEvery int
}

// Engine drives two stepper motors in lockstep.
type Engine struct {
	gpio gpio.Driver
	cfg  Config

	cancel atomic.Bool
}

// NewEngine creates a pulse engine bound to the given GPIO driver.
func NewEngine(g gpio.Driver, cfg Config) (*Engine, error) {
	if cfg.MinPulseUS <= 0 {
		cfg.MinPulseUS = 5
	}
	if cfg.YieldEvery <= 0 {
		cfg.YieldEvery = 100
	}

	for _, pins := range []MotorPins{cfg.Left, cfg.Right} {
		if err := g.SetupPin(pins.StepPin, gpio.Output); err != nil {
			return nil, fmt.Errorf("pulse: setup step pin %d: %w", pins.StepPin, err)
		}
		if err := g.SetupPin(pins.DirPin, gpio.Output); err != nil {
			return nil, fmt.Errorf("pulse: setup dir pin %d: %w", pins.DirPin, err)
		}
	}

	return &Engine{gpio: g, cfg: cfg}, nil
}

// RequestCancel asks any in-flight Move to halt at the next iteration.
// Safe to call from any goroutine without blocking.
func (e *Engine) RequestCancel() {
	e.cancel.Store(true)
}

// ResetCancel clears a previously-requested cancel, ahead of a new Move.
func (e *Engine) ResetCancel() {
	e.cancel.Store(false)
}

// Move drives both motors so that deltaLeft and deltaRight signed steps are
// emitted in lockstep, finishing simultaneously (spec: Bresenham
// interleaving). speed is the target rate in steps/second for the axis
// taking the larger number of steps.
//
// Returns an error (and halts immediately, disabling no further pulses) if
// ctx is cancelled or RequestCancel was called. Both deltas zero is a no-op
// success. Deltas whose magnitude exceeds a 32-bit count are rejected.
func (e *Engine) Move(ctx context.Context, deltaLeft, deltaRight int64, speed int) error {
	if deltaLeft > 1<<31 || deltaLeft < -(1<<31) || deltaRight > 1<<31 || deltaRight < -(1<<31) {
		return fmt.Errorf("pulse: delta out of 32-bit range (left=%d, right=%d)", deltaLeft, deltaRight)
	}

	nLeft := abs64(deltaLeft)
	nRight := abs64(deltaRight)
	n := nLeft
	if nRight > n {
		n = nRight
	}
	if n == 0 {
		return nil
	}

	if err := e.gpio.WritePin(e.cfg.Left.DirPin, dirLevel(deltaLeft, e.cfg.Left.DirPolarity)); err != nil {
		return fmt.Errorf("pulse: set left direction: %w", err)
	}
	if err := e.gpio.WritePin(e.cfg.Right.DirPin, dirLevel(deltaRight, e.cfg.Right.DirPolarity)); err != nil {
		return fmt.Errorf("pulse: set right direction: %w", err)
	}

	stepDelay := stepDelayFor(speed, e.cfg.MinPulseUS)
	pulseHigh := time.Duration(e.cfg.MinPulseUS) * time.Microsecond

	var accLeft, accRight int64
	for i := int64(0); i < n; i++ {
		if ctx.Err() != nil || e.cancel.Load() {
			e.gpio.WritePin(e.cfg.Left.StepPin, gpio.Low)
			e.gpio.WritePin(e.cfg.Right.StepPin, gpio.Low)
			return fmt.Errorf("pulse: move cancelled after %d/%d steps", i, n)
		}

		accLeft += nLeft
		accRight += nRight

		if accLeft >= n {
			accLeft -= n
			if err := pulseOnce(e.gpio, e.cfg.Left.StepPin, pulseHigh); err != nil {
				return err
			}
		}
		if accRight >= n {
			accRight -= n
			if err := pulseOnce(e.gpio, e.cfg.Right.StepPin, pulseHigh); err != nil {
				return err
			}
		}

		time.Sleep(stepDelay)

		if i%int64(e.cfg.YieldEvery) == 0 {
			runtime.Gosched()
		}
	}

	debug.Verbose("pulse: move complete left=%d right=%d speed=%d", deltaLeft, deltaRight, speed)
	return nil
}

func pulseOnce(g gpio.Driver, pin int, high time.Duration) error {
	if err := g.WritePin(pin, gpio.High); err != nil {
		return fmt.Errorf("pulse: step pin %d high: %w", pin, err)
	}
	time.Sleep(high)
	if err := g.WritePin(pin, gpio.Low); err != nil {
		return fmt.Errorf("pulse: step pin %d low: %w", pin, err)
	}
	return nil
}

func dirLevel(delta int64, polarity DirPolarity) gpio.Level {
	positive := delta >= 0
	if polarity == Inverted {
		positive = !positive
	}
	if positive {
		return gpio.High
	}
	return gpio.Low
}

// stepDelayFor computes the per-iteration sleep: max(1e6/speed, 4*minPulseUS)
// microseconds.
func stepDelayFor(speed, minPulseUS int) time.Duration {
	if speed <= 0 {
		speed = 1
	}
	us := 1_000_000 / speed
	floor := 4 * minPulseUS
	if us < floor {
		us = floor
	}
	return time.Duration(us) * time.Microsecond
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
