// Package kinematics implements the polargraph's Cartesian-to-string-length
// model: the pure functions mapping a pen position to the two motor string
// lengths (and back), and length-to-motor-step conversion.
package kinematics

import (
	"fmt"
	"math"
)

// Geometry holds the board and spool constants needed by the kinematic
// model. All distances are in millimetres.
type Geometry struct {
	BoardWidthMm  float64
	BoardHeightMm float64

	// ConnectionToPenDistanceMm is the offset (d) from the pen tip to each
	// of the two gondola string-attachment points, which are symmetric
	// about the pen.
	ConnectionToPenDistanceMm float64

	// MotorVerticalOffsetMm (h) is how far above the board's top edge both
	// motors are mounted.
	MotorVerticalOffsetMm float64

	SpoolDiameterMm float64
	StepsPerRev     int
	Microsteps      int
}

// StepsPerMM returns the conversion factor from millimetres of string paid
// out to motor steps: (STEPS_PER_REV * MICROSTEPS) / (pi * SPOOL_DIAMETER).
func (g Geometry) StepsPerMM() float64 {
	return float64(g.StepsPerRev*g.Microsteps) / (math.Pi * g.SpoolDiameterMm)
}

// LengthToSteps converts a string length in millimetres to an integer step
// count, rounding to the nearest step.
func (g Geometry) LengthToSteps(lenMm float64) int64 {
	return int64(math.Round(lenMm * g.StepsPerMM()))
}

// StepsToLength converts an integer step count back to millimetres.
func (g Geometry) StepsToLength(steps int64) float64 {
	return float64(steps) / g.StepsPerMM()
}

// Inverse computes the left and right string lengths for a pen target
// (x, y) in board coordinates (origin top-left, +x right, +y down).
//
// Fails when x < 0, y < 0, or either resulting length is non-finite; callers
// must treat a failure as "invalid point, refuse".
func (g Geometry) Inverse(x, y float64) (left, right float64, err error) {
	if x < 0 || y < 0 {
		return 0, 0, fmt.Errorf("kinematics: point (%.3f, %.3f) out of bounds: x and y must be >= 0", x, y)
	}

	d := g.ConnectionToPenDistanceMm
	yRel := y + g.MotorVerticalOffsetMm

	leftX := x - d
	left = math.Hypot(leftX, yRel)

	rightX := g.BoardWidthMm - (x + d)
	right = math.Hypot(rightX, yRel)

	if !isFinite(left) || !isFinite(right) {
		return 0, 0, fmt.Errorf("kinematics: non-finite length for point (%.3f, %.3f)", x, y)
	}
	return left, right, nil
}

// Forward computes the pen position (x, y) for given string lengths
// (L1, L2). Used for status reporting only; the motion path drives lengths
// directly and never round-trips position through Forward.
func (g Geometry) Forward(l1, l2 float64) (x, y float64, err error) {
	d := g.ConnectionToPenDistanceMm
	wPrime := g.BoardWidthMm - d

	denom := 2 * (d - wPrime)
	if math.Abs(denom) < 1e-9 {
		return 0, 0, fmt.Errorf("kinematics: degenerate geometry, denominator near zero")
	}

	x = (l2*l2 - l1*l1 + d*d - wPrime*wPrime) / denom

	radicand := l1*l1 - (x-d)*(x-d)
	if radicand < 0 {
		return 0, 0, fmt.Errorf("kinematics: no valid y for lengths (%.3f, %.3f)", l1, l2)
	}

	y = math.Sqrt(radicand) - g.MotorVerticalOffsetMm
	if !isFinite(x) || !isFinite(y) {
		return 0, 0, fmt.Errorf("kinematics: non-finite position for lengths (%.3f, %.3f)", l1, l2)
	}
	return x, y, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
