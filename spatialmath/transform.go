package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Transform is a rigid transform between two coordinate frames: a rotation followed by a
// translation. The rotation component is always a unit quaternion. There is no scale;
// both frames are assumed metrically correct.
type Transform struct {
	Rotation    quat.Number
	Translation r3.Vector
}

// NewZeroTransform returns the identity transform.
func NewZeroTransform() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// NewTransform returns a transform with the given rotation and translation, normalizing
// the rotation.
func NewTransform(rotation quat.Number, translation r3.Vector) Transform {
	return Transform{Rotation: Normalize(rotation), Translation: translation}
}

// TransformPoint maps a point from the source frame into the destination frame.
func (t Transform) TransformPoint(p r3.Vector) r3.Vector {
	return rotateVector(t.Rotation, p).Add(t.Translation)
}

// TransformPose maps a full pose from the source frame into the destination frame.
func (t Transform) TransformPose(p Pose) Pose {
	return Pose{
		Position:    t.TransformPoint(p.Position),
		Orientation: Normalize(quat.Mul(t.Rotation, p.Orientation)),
	}
}

// Compose returns the transform equivalent to applying other first, then t.
func (t Transform) Compose(other Transform) Transform {
	return Transform{
		Rotation:    Normalize(quat.Mul(t.Rotation, other.Rotation)),
		Translation: rotateVector(t.Rotation, other.Translation).Add(t.Translation),
	}
}

// Invert returns the transform mapping the destination frame back onto the source frame.
func (t Transform) Invert() Transform {
	inv := quat.Conj(t.Rotation)
	return Transform{
		Rotation:    inv,
		Translation: rotateVector(inv, t.Translation.Mul(-1)),
	}
}

// IsFinite reports whether every component of the transform is a finite number.
func (t Transform) IsFinite() bool {
	for _, v := range []float64{t.Translation.X, t.Translation.Y, t.Translation.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return QuatFinite(t.Rotation)
}

// StepTowards blends the transform a fraction of the way towards target, capping the
// applied rotation at maxRotStep radians and the applied translation at maxPosStep
// meters. Consumers reading successive results observe smooth motion, never a jump.
func (t Transform) StepTowards(target Transform, fraction, maxRotStep, maxPosStep float64) Transform {
	if fraction <= 0 {
		return t
	}
	if fraction > 1 {
		fraction = 1
	}

	rotFrac := fraction
	if fullAngle := AngleBetween(t.Rotation, target.Rotation); fullAngle*rotFrac > maxRotStep {
		rotFrac = maxRotStep / fullAngle
	}

	delta := target.Translation.Sub(t.Translation).Mul(fraction)
	if step := delta.Norm(); step > maxPosStep {
		delta = delta.Mul(maxPosStep / step)
	}

	return Transform{
		Rotation:    Slerp(t.Rotation, target.Rotation, rotFrac),
		Translation: t.Translation.Add(delta),
	}
}

// TransformAlmostEqual compares two transforms to within the given positional and angular
// tolerances.
func TransformAlmostEqual(a, b Transform, posTol, angTol float64) bool {
	return a.Translation.Sub(b.Translation).Norm() <= posTol &&
		QuaternionAlmostEqual(a.Rotation, b.Rotation, angTol)
}

func (t Transform) String() string {
	return fmt.Sprintf(
		"(X: %.3f, Y: %.3f, Z: %.3f | W: %.4f, I: %.4f, J: %.4f, K: %.4f)",
		t.Translation.X, t.Translation.Y, t.Translation.Z,
		t.Rotation.Real, t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag,
	)
}

// rotateVector applies the rotation quaternion to a vector via q*v*q'.
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}
