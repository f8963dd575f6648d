package motion

import (
	"context"
	"testing"
	"time"

	"github.com/cjeanneret/polargo/internal/hw/gpio"
	"github.com/cjeanneret/polargo/internal/hw/pen"
	"github.com/cjeanneret/polargo/internal/kinematics"
	"github.com/cjeanneret/polargo/internal/pulse"
	"github.com/cjeanneret/polargo/internal/queue"
)

func testGeometry() kinematics.Geometry {
	return kinematics.Geometry{
		BoardWidthMm:              1000,
		BoardHeightMm:             1000,
		ConnectionToPenDistanceMm: 20,
		MotorVerticalOffsetMm:     50,
		SpoolDiameterMm:           12.5,
		StepsPerRev:               200,
		Microsteps:                16,
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	drv := &gpio.MockDriver{}
	eng, err := pulse.NewEngine(drv, pulse.Config{
		Left:       pulse.MotorPins{StepPin: 1, DirPin: 2},
		Right:      pulse.MotorPins{StepPin: 3, DirPin: 4},
		MinPulseUS: 1,
		YieldEvery: 1000,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	act, err := pen.NewActuator(drv, pen.Config{Pin: 18, UpAngleDeg: 60, DownAngleDeg: 90, SettleDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewActuator: %v", err)
	}
	q := queue.New(10)
	return NewController(testGeometry(), eng, act, q, Config{TravelSpeed: 500, MaxSpeed: 100000})
}

func runSchedulerUntilIdle(t *testing.T, c *Controller, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunScheduler(ctx)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !c.IsExecuting() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("scheduler did not reach idle before timeout")
}

func TestController_Initialize_SyncsWithoutMoving(t *testing.T) {
	c := newTestController(t)
	if err := c.Initialize(StartPosition{X: 575, Y: 365, PenDown: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	snap := c.Snapshot()
	if !snap.Initialized {
		t.Error("expected Initialized true")
	}
	if snap.XMm != 575 || snap.YMm != 365 {
		t.Errorf("pose = (%v,%v), want (575,365)", snap.XMm, snap.YMm)
	}
}

// S1: horizontal line move, pen down, ends exactly at target with queue drained.
func TestScheduler_HorizontalLine(t *testing.T) {
	c := newTestController(t)
	if err := c.Initialize(StartPosition{X: 575, Y: 365, PenDown: true}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	down := true
	if err := c.Enqueue([]queue.QueuedPoint{{X: 775, Y: 365, PenDown: &down, Speed: 2000}}, true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runSchedulerUntilIdle(t, c, 2*time.Second)

	snap := c.Snapshot()
	if snap.XMm < 774.5 || snap.XMm > 775.5 {
		t.Errorf("final x = %v, want ~775", snap.XMm)
	}
	if !snap.PenDown {
		t.Error("expected pen down at end of job")
	}
	if c.QueueSize() != 0 {
		t.Errorf("QueueSize() = %d, want 0", c.QueueSize())
	}
	if c.IsExecuting() {
		t.Error("expected IsExecuting() false after end-of-job drain")
	}
}

// S2: pen-up move uses at least TravelSpeed even when a slower speed is requested.
func TestScheduler_PenUpTravelSpeedFloor(t *testing.T) {
	c := newTestController(t)
	if err := c.Initialize(StartPosition{X: 100, Y: 100, PenDown: true}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	up := false
	if err := c.Enqueue([]queue.QueuedPoint{{X: 900, Y: 600, PenDown: &up, Speed: 1}}, true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runSchedulerUntilIdle(t, c, 2*time.Second)

	snap := c.Snapshot()
	if snap.PenDown {
		t.Error("expected pen up after pen-up move")
	}
}

// S4: a submission exceeding capacity is rejected and leaves the queue
// untouched.
func TestController_Enqueue_RejectsOverCapacity(t *testing.T) {
	c := newTestController(t)
	points := make([]queue.QueuedPoint, 11)
	if err := c.Enqueue(points, false); err == nil {
		t.Error("expected error for over-capacity submission, got nil")
	}
	if c.QueueSize() != 0 {
		t.Errorf("QueueSize() = %d, want 0 after rejected submission", c.QueueSize())
	}
}

// S5: without end_of_job on the first batch, the scheduler stays executing
// between batches instead of flapping idle.
func TestScheduler_StaysExecutingAcrossBatchesWithoutEndOfJob(t *testing.T) {
	c := newTestController(t)
	if err := c.Initialize(StartPosition{X: 100, Y: 100, PenDown: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Enqueue([]queue.QueuedPoint{{X: 200, Y: 100, Speed: 5000}}, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunScheduler(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.QueueSize() > 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if !c.IsExecuting() {
		t.Error("expected IsExecuting() to remain true when end_of_job was not set")
	}

	if err := c.Enqueue([]queue.QueuedPoint{{X: 300, Y: 100, Speed: 5000}}, true); err != nil {
		t.Fatalf("Enqueue second batch: %v", err)
	}
	runSchedulerUntilIdle(t, c, 2*time.Second)
	if c.IsExecuting() {
		t.Error("expected IsExecuting() false once the end-of-job batch drains")
	}
}

// S6: reset clears the queue/executing state and Initialize re-declares pose
// without physical motion.
func TestController_Reset_ThenReinitialize(t *testing.T) {
	c := newTestController(t)
	if err := c.Initialize(StartPosition{X: 100, Y: 100}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Enqueue([]queue.QueuedPoint{{X: 200, Y: 200}, {X: 300, Y: 300}}, false); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c.Reset()
	if c.QueueSize() != 0 {
		t.Errorf("QueueSize() after Reset = %d, want 0", c.QueueSize())
	}
	if c.IsExecuting() {
		t.Error("expected IsExecuting() false after Reset")
	}

	if err := c.Initialize(StartPosition{X: 500, Y: 500, PenDown: true}); err != nil {
		t.Fatalf("Initialize after reset: %v", err)
	}
	snap := c.Snapshot()
	if snap.XMm != 500 || snap.YMm != 500 || !snap.PenDown {
		t.Errorf("pose after reinit = %+v, want (500,500,down)", snap)
	}
}

func TestController_Cancel_ClearsQueueAndLiftsPen(t *testing.T) {
	c := newTestController(t)
	if err := c.Initialize(StartPosition{X: 100, Y: 100, PenDown: true}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	down := true
	points := make([]queue.QueuedPoint, 5)
	for i := range points {
		points[i] = queue.QueuedPoint{X: float64(200 + i*50), Y: 100, PenDown: &down, Speed: 50}
	}
	if err := c.Enqueue(points, true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go c.RunScheduler(ctx)

	time.Sleep(5 * time.Millisecond)
	c.Cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.IsExecuting() {
		time.Sleep(time.Millisecond)
	}

	if c.IsExecuting() {
		t.Error("expected IsExecuting() false after Cancel")
	}
	if c.QueueSize() != 0 {
		t.Errorf("QueueSize() after Cancel = %d, want 0", c.QueueSize())
	}
	if c.Snapshot().PenDown {
		t.Error("expected pen up after Cancel")
	}
}

func TestController_Jog_RefusedWhileExecuting(t *testing.T) {
	c := newTestController(t)
	if err := c.Initialize(StartPosition{X: 100, Y: 100}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Enqueue([]queue.QueuedPoint{{X: 900, Y: 900, Speed: 10}}, true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunScheduler(ctx)
	time.Sleep(5 * time.Millisecond)

	if err := c.Jog(context.Background(), "left", 10, 100); err != ErrMotorBusy {
		t.Errorf("Jog while executing = %v, want ErrMotorBusy", err)
	}
	c.Cancel()
}

func TestController_Jog_RefusedWhileJogging(t *testing.T) {
	c := newTestController(t)
	if err := c.Initialize(StartPosition{X: 100, Y: 100}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Slow enough (50 steps/s, 60 steps) to stay in flight for over a
	// second, giving the concurrent Jog below a wide window to land.
	done := make(chan error, 1)
	go func() {
		done <- c.Jog(context.Background(), "left", 60, 50)
	}()
	time.Sleep(20 * time.Millisecond)

	if err := c.Jog(context.Background(), "right", 10, 100); err != ErrMotorBusy {
		t.Errorf("Jog while jogging = %v, want ErrMotorBusy", err)
	}

	if err := <-done; err != nil {
		t.Errorf("first jog returned %v, want nil", err)
	}
}

func TestController_Jog_UnknownMotor(t *testing.T) {
	c := newTestController(t)
	if err := c.Jog(context.Background(), "up", 10, 100); err == nil {
		t.Error("expected error for unknown motor, got nil")
	}
}

func TestController_SetPen_UpdatesState(t *testing.T) {
	c := newTestController(t)
	if err := c.SetPen(true); err != nil {
		t.Fatalf("SetPen: %v", err)
	}
	if !c.Snapshot().PenDown {
		t.Error("expected PenDown true after SetPen(true)")
	}
}
