package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Norm returns the norm of the quaternion, i.e. the sqrt of the sum of the squares of all fields.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Normalize a quaternion, returning its, versor (unit quaternion).
func Normalize(q quat.Number) quat.Number {
	length := Norm(q)
	if math.Abs(length-1.0) > 1e-10 {
		q = quat.Scale(1/length, q)
	}
	return q
}

// Flip will multiply a quaternion by -1, returning a quaternion representing the same orientation.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// QuaternionAlmostEqual determines if two quaternions are equal to within the given tolerance.
// A quaternion and its flip represent the same orientation and compare equal here.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	diff := quat.Mul(a, quat.Conj(b))
	return 2*math.Atan2(Norm(quat.Number{Imag: diff.Imag, Jmag: diff.Jmag, Kmag: diff.Kmag}), math.Abs(diff.Real)) < tol
}

// AngleBetween returns the rotation angle, in radians, taking orientation a to orientation b.
// The result is always in [0, pi].
func AngleBetween(a, b quat.Number) float64 {
	diff := quat.Mul(b, quat.Conj(a))
	return 2 * math.Atan2(Norm(quat.Number{Imag: diff.Imag, Jmag: diff.Jmag, Kmag: diff.Kmag}), math.Abs(diff.Real))
}

// Slerp takes quaternions representing the beginning and end of an arc and a percentage
// along that arc, and returns the quaternion at that percentage of the rotation.
func Slerp(q1, q2 quat.Number, by float64) quat.Number {
	// The shortest path passes through whichever of q2/-q2 is nearer.
	cosHalfTheta := q1.Real*q2.Real + q1.Imag*q2.Imag + q1.Jmag*q2.Jmag + q1.Kmag*q2.Kmag
	if cosHalfTheta < 0 {
		q2 = Flip(q2)
		cosHalfTheta = -cosHalfTheta
	}
	if cosHalfTheta >= 1.0 {
		return q1
	}

	halfTheta := math.Acos(cosHalfTheta)
	sinHalfTheta := math.Sqrt(1.0 - cosHalfTheta*cosHalfTheta)

	var ratioA, ratioB float64
	if sinHalfTheta < 1e-12 {
		ratioA, ratioB = 0.5, 0.5
	} else {
		ratioA = math.Sin((1-by)*halfTheta) / sinHalfTheta
		ratioB = math.Sin(by*halfTheta) / sinHalfTheta
	}
	return Normalize(quat.Number{
		Real: q1.Real*ratioA + q2.Real*ratioB,
		Imag: q1.Imag*ratioA + q2.Imag*ratioB,
		Jmag: q1.Jmag*ratioA + q2.Jmag*ratioB,
		Kmag: q1.Kmag*ratioA + q2.Kmag*ratioB,
	})
}

// QuatFromRotationMatrix converts a row-major 3x3 proper rotation matrix to a unit quaternion
// using Shepperd's method, branching on the largest diagonal element for numerical stability.
func QuatFromRotationMatrix(m *mat.Dense) quat.Number {
	r00, r01, r02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	r10, r11, r12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	r20, r21, r22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var q quat.Number
	trace := r00 + r11 + r22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1.0)
		q = quat.Number{Real: 0.25 / s, Imag: (r21 - r12) * s, Jmag: (r02 - r20) * s, Kmag: (r10 - r01) * s}
	case r00 > r11 && r00 > r22:
		s := 2.0 * math.Sqrt(1.0 + r00 - r11 - r22)
		q = quat.Number{Real: (r21 - r12) / s, Imag: 0.25 * s, Jmag: (r01 + r10) / s, Kmag: (r02 + r20) / s}
	case r11 > r22:
		s := 2.0 * math.Sqrt(1.0 + r11 - r00 - r22)
		q = quat.Number{Real: (r02 - r20) / s, Imag: (r01 + r10) / s, Jmag: 0.25 * s, Kmag: (r12 + r21) / s}
	default:
		s := 2.0 * math.Sqrt(1.0 + r22 - r00 - r11)
		q = quat.Number{Real: (r10 - r01) / s, Imag: (r02 + r20) / s, Jmag: (r12 + r21) / s, Kmag: 0.25 * s}
	}
	return Normalize(q)
}

// RotationMatrixFromQuat returns the row-major 3x3 rotation matrix of a unit quaternion.
func RotationMatrixFromQuat(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// QuatFinite reports whether all components of the quaternion are finite numbers.
func QuatFinite(q quat.Number) bool {
	for _, v := range []float64{q.Real, q.Imag, q.Jmag, q.Kmag} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
