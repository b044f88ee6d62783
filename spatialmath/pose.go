// Package spatialmath defines spatial mathematical operations on poses and rigid transforms.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a position in 3D space paired with an orientation, expressed within some
// tracking origin's coordinate frame. Positions are in meters.
type Pose struct {
	Position    r3.Vector
	Orientation quat.Number
}

// NewZeroPose returns a pose at the frame origin with no rotation.
func NewZeroPose() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// NewPose returns a pose with the given position and orientation. The orientation is
// normalized on the way in.
func NewPose(point r3.Vector, orientation quat.Number) Pose {
	return Pose{Position: point, Orientation: Normalize(orientation)}
}

// IsFinite reports whether every component of the pose is a finite number. Tracking
// runtimes emit NaN/Inf poses during tracking loss; those must never enter a fit.
func (p Pose) IsFinite() bool {
	for _, v := range []float64{p.Position.X, p.Position.Y, p.Position.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return QuatFinite(p.Orientation)
}

// PoseAlmostEqual compares two poses to within the given positional and angular tolerances.
func PoseAlmostEqual(a, b Pose, posTol, angTol float64) bool {
	return a.Position.Sub(b.Position).Norm() <= posTol &&
		QuaternionAlmostEqual(a.Orientation, b.Orientation, angTol)
}
