package calibration

import "github.com/pkg/errors"

// The error taxonomy callers inspect with errors.Is. Transient conditions
// (device unavailability, validation failures) are absorbed by the retry loop;
// these surface only when the engine genuinely gives up or is asked something
// it cannot do.
var (
	// ErrStreamStalled means one of the two pose streams stopped producing usable
	// poses for longer than the stall timeout, or a collection window expired with
	// too few pairs.
	ErrStreamStalled = errors.New("pose stream stalled")
	// ErrDegenerateFit means the sample batch was ill-conditioned (too few pairs,
	// or positions collinear/coincident) and no rigid transform can be recovered.
	ErrDegenerateFit = errors.New("degenerate fit")
	// ErrPoorResidual means the fit's RMS positional error exceeded the acceptance
	// threshold.
	ErrPoorResidual = errors.New("residual above acceptance threshold")
	// ErrInconsistentOrientation means the rotation implied by individual pairs
	// varied too much across the batch; the devices were likely not rigidly attached.
	ErrInconsistentOrientation = errors.New("inconsistent orientation across batch")
	// ErrNoPriorCalibration means continue mode found no stored calibration for the
	// device pair.
	ErrNoPriorCalibration = errors.New("no prior calibration for device pair")
	// ErrSameOrigin means the two devices share a tracking origin and there is
	// nothing to align.
	ErrSameOrigin = errors.New("both devices are in the same tracking origin")
)
