// Package motion owns the machine's authoritative pose, the motion queue,
// and the scheduler loop that drains it by driving the pulse engine and pen
// actuator. It is the single writer of step counters and pose once startup
// completes.
package motion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/polargo/internal/debug"
	"github.com/cjeanneret/polargo/internal/hw/pen"
	"github.com/cjeanneret/polargo/internal/kinematics"
	"github.com/cjeanneret/polargo/internal/pulse"
	"github.com/cjeanneret/polargo/internal/queue"
)

// State is the authoritative physical pose, guarded by Controller's state
// lock. LeftSteps/RightSteps are the integer truth of what the motors have
// done; XMm/YMm/LeftLenMm/RightLenMm are derived and reported but never the
// source of truth across moves.
type State struct {
	XMm, YMm           float64
	LeftLenMm, RightLenMm float64
	LeftSteps, RightSteps int64
	PenDown            bool
	Initialized        bool
}

// StartPosition declares the gondola's current physical pose without moving
// it, used to (re)initialize Controller after boot or a reset.
type StartPosition struct {
	HasLengths bool
	X, Y       float64
	L1, L2     float64
	PenDown    bool
}

// Config bundles the tunables the scheduler needs beyond wiring.
type Config struct {
	TravelSpeed int // default effective speed floor for pen-up moves
	MaxSpeed    int // steps/second ceiling; 0 speed in a point means "use default"
}

// Controller owns the queue, the pulse engine, the pen actuator, and the
// kinematic geometry; it is the single "Controller" value the HTTP layer
// holds a shared handle to and the motion task drives through RunScheduler.
type Controller struct {
	geo   kinematics.Geometry
	pulse *pulse.Engine
	pen   *pen.Actuator
	q     *queue.Queue
	cfg   Config

	stateMu sync.Mutex
	state   State

	queueMu    sync.Mutex
	executing  bool
	endOfJob   bool
	jogging    bool
}

// NewController wires a Controller from its already-constructed parts.
func NewController(geo kinematics.Geometry, eng *pulse.Engine, act *pen.Actuator, q *queue.Queue, cfg Config) *Controller {
	if cfg.TravelSpeed <= 0 {
		cfg.TravelSpeed = 800
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = 2000
	}
	return &Controller{geo: geo, pulse: eng, pen: act, q: q, cfg: cfg}
}

// Snapshot returns a copy of the current machine state.
func (c *Controller) Snapshot() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// QueueSize reports the number of points currently queued.
func (c *Controller) QueueSize() int {
	return c.q.Size()
}

// IsExecuting reports whether the scheduler considers a job in flight.
func (c *Controller) IsExecuting() bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.executing
}

// Initialize declares the gondola's current physical pose. It does not move
// the motors: it synchronizes step counters, lengths, pose, and pen state
// with the caller's claim about reality (spec: start_position "merely
// synchronizes internal counters").
func (c *Controller) Initialize(sp StartPosition) error {
	var l1, l2, x, y float64
	var err error

	if sp.HasLengths {
		l1, l2 = sp.L1, sp.L2
		x, y, err = c.geo.Forward(l1, l2)
		if err != nil {
			return fmt.Errorf("motion: start position lengths do not resolve to a valid pose: %w", err)
		}
	} else {
		l1, l2, err = c.geo.Inverse(sp.X, sp.Y)
		if err != nil {
			return fmt.Errorf("motion: start position: %w", err)
		}
		x, y = sp.X, sp.Y
	}

	c.stateMu.Lock()
	c.state = State{
		XMm:        x,
		YMm:        y,
		LeftLenMm:  l1,
		RightLenMm: l2,
		LeftSteps:  c.geo.LengthToSteps(l1),
		RightSteps: c.geo.LengthToSteps(l2),
		PenDown:    sp.PenDown,
		Initialized: true,
	}
	c.stateMu.Unlock()

	c.pen.SyncState(sp.PenDown)
	return nil
}

// Reset clears the queue and drops any in-flight job bookkeeping, in
// preparation for a fresh Initialize.
func (c *Controller) Reset() {
	c.q.Clear()
	c.queueMu.Lock()
	c.executing = false
	c.endOfJob = false
	c.queueMu.Unlock()
}

// Enqueue appends points to the queue (spec: all-or-nothing against
// capacity), marks end-of-job if requested, and starts the scheduler if it
// was idle and the queue is now non-empty.
func (c *Controller) Enqueue(points []queue.QueuedPoint, endOfJob bool) error {
	if err := c.q.EnqueueMany(points); err != nil {
		return err
	}

	c.queueMu.Lock()
	if endOfJob {
		c.endOfJob = true
	}
	if !c.executing && c.q.Size() > 0 {
		c.executing = true
	}
	c.queueMu.Unlock()
	return nil
}

// Cancel requests the pulse engine halt, lifts the pen, clears the queue,
// and stops the scheduler. Safe to call from any goroutine.
func (c *Controller) Cancel() {
	c.pulse.RequestCancel()
	c.q.Clear()
	c.queueMu.Lock()
	c.executing = false
	c.endOfJob = false
	c.queueMu.Unlock()
	if err := c.pen.SetDown(false); err != nil {
		debug.Error(fmt.Errorf("motion: pen up on cancel: %w", err))
		return
	}
	c.stateMu.Lock()
	c.state.PenDown = false
	c.stateMu.Unlock()
}

// Jog drives a single motor by a raw step count, bypassing the queue and
// pose update entirely (spec: diagnostic jog, intentionally does not touch
// pose). Refuses with ErrMotorBusy if the scheduler is currently executing or
// another jog is already in flight, since both ultimately drive the same
// shared pulse engine.
func (c *Controller) Jog(ctx context.Context, motor string, steps int64, speed int) error {
	c.queueMu.Lock()
	if c.executing || c.jogging {
		c.queueMu.Unlock()
		return ErrMotorBusy
	}
	c.jogging = true
	c.queueMu.Unlock()
	defer func() {
		c.queueMu.Lock()
		c.jogging = false
		c.queueMu.Unlock()
	}()

	if speed <= 0 {
		speed = c.cfg.TravelSpeed
	}
	if speed > c.cfg.MaxSpeed {
		speed = c.cfg.MaxSpeed
	}

	c.pulse.ResetCancel()
	switch motor {
	case "left":
		return c.pulse.Move(ctx, steps, 0, speed)
	case "right":
		return c.pulse.Move(ctx, 0, steps, speed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMotor, motor)
	}
}

// SetPen synchronously commands the pen actuator.
func (c *Controller) SetPen(down bool) error {
	if err := c.pen.SetDown(down); err != nil {
		return err
	}
	c.stateMu.Lock()
	c.state.PenDown = down
	c.stateMu.Unlock()
	return nil
}

// ErrMotorBusy is returned by Jog when the scheduler is currently executing.
var ErrMotorBusy = fmt.Errorf("motion: motor busy")

// ErrUnknownMotor is returned by Jog for an unrecognized motor name.
var ErrUnknownMotor = fmt.Errorf("motion: unknown motor")

// RunScheduler is the dedicated motion task's loop (spec §4.4): pop one
// point at a time, resolve it against the current state, actuate the pen if
// needed, drive the pulse engine, and commit the new pose. Blocks until ctx
// is cancelled.
func (c *Controller) RunScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.queueMu.Lock()
		executing := c.executing
		c.queueMu.Unlock()

		if !executing {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		point, ok := c.q.PopFront()
		if !ok {
			c.queueMu.Lock()
			empty := c.q.Size() == 0
			endOfJob := c.endOfJob
			if empty && endOfJob {
				c.executing = false
				c.endOfJob = false
			}
			c.queueMu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := c.runPoint(ctx, point); err != nil {
			debug.Error(fmt.Errorf("motion: scheduler: %w", err))
			c.q.Clear()
			c.queueMu.Lock()
			c.executing = false
			c.endOfJob = false
			c.queueMu.Unlock()
			continue
		}

		c.queueMu.Lock()
		if c.q.Size() == 0 && c.endOfJob {
			c.executing = false
			c.endOfJob = false
		}
		c.queueMu.Unlock()
	}
}

func (c *Controller) runPoint(ctx context.Context, p queue.QueuedPoint) error {
	snap := c.Snapshot()

	var l1, l2 float64
	var x, y float64
	var err error
	if p.HasLengths {
		l1, l2 = p.L1, p.L2
		x, y, err = c.geo.Forward(l1, l2)
		if err != nil {
			return fmt.Errorf("resolve point lengths: %w", err)
		}
	} else {
		l1, l2, err = c.geo.Inverse(p.X, p.Y)
		if err != nil {
			return fmt.Errorf("resolve point coordinates: %w", err)
		}
		x, y = p.X, p.Y
	}

	targetLeftSteps := c.geo.LengthToSteps(l1)
	targetRightSteps := c.geo.LengthToSteps(l2)
	deltaLeft := targetLeftSteps - snap.LeftSteps
	deltaRight := targetRightSteps - snap.RightSteps

	penDown := snap.PenDown
	if p.PenDown != nil {
		penDown = *p.PenDown
	}
	if penDown != snap.PenDown {
		if err := c.pen.SetDown(penDown); err != nil {
			return fmt.Errorf("pen actuation: %w", err)
		}
	}

	speed := p.Speed
	if speed <= 0 {
		speed = c.cfg.TravelSpeed
	}
	if speed > c.cfg.MaxSpeed {
		speed = c.cfg.MaxSpeed
	}
	if !penDown && speed < c.cfg.TravelSpeed {
		speed = c.cfg.TravelSpeed
	}

	c.pulse.ResetCancel()
	if err := c.pulse.Move(ctx, deltaLeft, deltaRight, speed); err != nil {
		return fmt.Errorf("pulse engine: %w", err)
	}

	debug.Move("left", deltaLeft, speed)
	debug.Move("right", deltaRight, speed)

	c.stateMu.Lock()
	c.state.LeftSteps = targetLeftSteps
	c.state.RightSteps = targetRightSteps
	c.state.LeftLenMm = l1
	c.state.RightLenMm = l2
	c.state.XMm = x
	c.state.YMm = y
	c.state.PenDown = penDown
	c.stateMu.Unlock()

	return nil
}
