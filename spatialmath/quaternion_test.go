package spatialmath

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestNormalize(t *testing.T) {
	q := Normalize(quat.Number{Real: 2, Imag: 2, Jmag: 2, Kmag: 2})
	test.That(t, Norm(q), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, q.Real, test.ShouldAlmostEqual, 0.5)
}

func TestAngleBetween(t *testing.T) {
	identity := quat.Number{Real: 1}
	test.That(t, AngleBetween(identity, identity), test.ShouldAlmostEqual, 0, 1e-12)

	test.That(t, AngleBetween(identity, yRotation(math.Pi/2)), test.ShouldAlmostEqual, math.Pi/2, 1e-12)

	// A quaternion and its flip represent the same orientation.
	test.That(t, AngleBetween(yRotation(1), Flip(yRotation(1))), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestSlerp(t *testing.T) {
	q1 := yRotation(0)
	q2 := yRotation(math.Pi / 2)

	half := Slerp(q1, q2, 0.5)
	test.That(t, AngleBetween(q1, half), test.ShouldAlmostEqual, math.Pi/4, 1e-9)

	test.That(t, QuaternionAlmostEqual(Slerp(q1, q2, 0), q1, 1e-9), test.ShouldBeTrue)
	test.That(t, QuaternionAlmostEqual(Slerp(q1, q2, 1), q2, 1e-9), test.ShouldBeTrue)

	// Shortest path: slerping toward the flipped target must not go the long way.
	far := Slerp(q1, Flip(q2), 0.5)
	test.That(t, AngleBetween(q1, far), test.ShouldAlmostEqual, math.Pi/4, 1e-9)
}

func TestQuatRotationMatrixRoundTrip(t *testing.T) {
	for _, q := range []quat.Number{
		{Real: 1},
		yRotation(math.Pi / 2),
		Normalize(quat.Number{Real: 0.3, Imag: -0.5, Jmag: 0.2, Kmag: 0.78}),
		Normalize(quat.Number{Real: -0.1, Imag: 0.9, Jmag: 0.1, Kmag: 0.1}),
	} {
		back := QuatFromRotationMatrix(RotationMatrixFromQuat(q))
		test.That(t, QuaternionAlmostEqual(back, q, 1e-9), test.ShouldBeTrue)
	}
}

func TestQuatFinite(t *testing.T) {
	test.That(t, QuatFinite(quat.Number{Real: 1}), test.ShouldBeTrue)
	test.That(t, QuatFinite(quat.Number{Jmag: math.NaN()}), test.ShouldBeFalse)
	test.That(t, QuatFinite(quat.Number{Kmag: math.Inf(-1)}), test.ShouldBeFalse)
}
