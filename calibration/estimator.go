package calibration

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/origincal/origincal/spatialmath"
)

// minRigidPairs is the absolute floor below which a 3D rigid fit is ill-posed.
const minRigidPairs = 3

// Relative threshold on singular values under which the cross-covariance is treated as
// rank deficient (all samples coincident or collinear).
const rankEpsilon = 1e-9

// EstimateTransform computes the best-fit rigid transform mapping the batch's source
// positions onto its destination positions, in the least-squares sense.
//
// The procedure is the standard rigid point-set alignment: subtract centroids, build
// the 3x3 cross-covariance of the centered sets, decompose it by SVD, and correct the
// sign of the last singular vector's contribution when the naive solution would be a
// reflection, guaranteeing a proper rotation. The translation is then the destination
// centroid minus the rotated source centroid.
//
// It is deterministic: the same batch always yields the identical FitResult.
func EstimateTransform(batch []SamplePair) (FitResult, error) {
	n := len(batch)
	if n < minRigidPairs {
		return FitResult{}, errors.Wrapf(ErrDegenerateFit, "%d pairs, need at least %d", n, minRigidPairs)
	}

	var srcCentroid, dstCentroid r3.Vector
	for _, pair := range batch {
		srcCentroid = srcCentroid.Add(pair.Source.Position)
		dstCentroid = dstCentroid.Add(pair.Destination.Position)
	}
	srcCentroid = srcCentroid.Mul(1 / float64(n))
	dstCentroid = dstCentroid.Mul(1 / float64(n))

	// Cross-covariance H = sum over pairs of (src - srcCentroid) (dst - dstCentroid)^T.
	cov := mat.NewDense(3, 3, nil)
	for _, pair := range batch {
		s := pair.Source.Position.Sub(srcCentroid)
		d := pair.Destination.Position.Sub(dstCentroid)
		sv := []float64{s.X, s.Y, s.Z}
		dv := []float64{d.X, d.Y, d.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov.Set(i, j, cov.At(i, j)+sv[i]*dv[j])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(cov, mat.SVDFull); !ok {
		return FitResult{}, errors.Wrap(ErrDegenerateFit, "SVD of cross-covariance failed")
	}
	values := svd.Values(nil)
	// Coincident samples give rank 0, collinear give rank 1. Either way the rotation
	// about the remaining axis is unobservable.
	if values[0] <= 0 || values[1] <= values[0]*rankEpsilon {
		return FitResult{}, errors.Wrap(ErrDegenerateFit, "rank-deficient cross-covariance")
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V D U^T with D flipping the last singular direction if the naive solution
	// mirrors.
	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var vd mat.Dense
		vd.Mul(&v, d)
		rot.Mul(&vd, u.T())
	}

	rotation := spatialmath.QuatFromRotationMatrix(&rot)
	rotOnly := spatialmath.Transform{Rotation: rotation}
	translation := dstCentroid.Sub(rotOnly.TransformPoint(srcCentroid))

	transform := spatialmath.Transform{Rotation: rotation, Translation: translation}
	if !transform.IsFinite() {
		return FitResult{}, errors.Wrap(ErrDegenerateFit, "non-finite solution")
	}

	var sumSq float64
	for _, pair := range batch {
		mapped := transform.TransformPoint(pair.Source.Position)
		sumSq += mapped.Sub(pair.Destination.Position).Norm2()
	}
	residual := math.Sqrt(sumSq / float64(n))
	if math.IsNaN(residual) || math.IsInf(residual, 0) {
		return FitResult{}, errors.Wrap(ErrDegenerateFit, "non-finite residual")
	}

	return FitResult{Transform: transform, Residual: residual, Pairs: n}, nil
}

// OrientationConsistency reads the rotation offset implied by each pair's orientations
// and returns the mean offset and the standard deviation (radians) of the per-pair
// offsets around it. For two rigidly attached devices the implied rotation is constant
// up to sensor noise, so a large spread means the devices moved independently.
func OrientationConsistency(batch []SamplePair) (quat.Number, float64, error) {
	if len(batch) == 0 {
		return quat.Number{}, 0, errors.Wrap(ErrDegenerateFit, "empty batch")
	}

	// Chordal mean: sum sign-aligned unit quaternions and renormalize.
	deltas := make([]quat.Number, 0, len(batch))
	var sum quat.Number
	for _, pair := range batch {
		delta := spatialmath.Normalize(quat.Mul(pair.Destination.Orientation, quat.Conj(pair.Source.Orientation)))
		if delta.Real < 0 {
			delta = spatialmath.Flip(delta)
		}
		deltas = append(deltas, delta)
		sum.Real += delta.Real
		sum.Imag += delta.Imag
		sum.Jmag += delta.Jmag
		sum.Kmag += delta.Kmag
	}
	if spatialmath.Norm(sum) < 1e-12 {
		return quat.Number{}, 0, errors.Wrap(ErrDegenerateFit, "orientation offsets cancel out")
	}
	mean := spatialmath.Normalize(sum)

	var varSum float64
	for _, delta := range deltas {
		angle := spatialmath.AngleBetween(mean, delta)
		varSum += angle * angle
	}
	spread := math.Sqrt(varSum / float64(len(deltas)))
	if math.IsNaN(spread) || math.IsInf(spread, 0) {
		return quat.Number{}, 0, errors.Wrap(ErrDegenerateFit, "non-finite orientation spread")
	}
	return mean, spread, nil
}
