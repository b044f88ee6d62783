// Package calibration implements the engine that aligns two tracking origins: temporal
// correlation of two pose streams, least-squares rigid-transform estimation, a session
// state machine with automatic retry, and continuous drift correction.
package calibration

import (
	"time"

	"github.com/origincal/origincal/posesource"
	"github.com/origincal/origincal/spatialmath"
)

// SamplePair is one source pose and one destination pose judged to represent the same
// physical instant. Gap is the capture-time difference, kept for quality weighting.
type SamplePair struct {
	Source      posesource.StampedPose
	Destination posesource.StampedPose
	Gap         time.Duration
}

// FitResult is the outcome of one rigid-transform estimation: the transform mapping
// source-origin space to destination-origin space, its RMS positional residual in
// meters, and the number of pairs it was fit on.
type FitResult struct {
	Transform spatialmath.Transform
	Residual  float64
	Pairs     int
}

// SessionState is one step of the calibration session state machine.
type SessionState int

// Session states, in rough lifecycle order. Failed and Terminated are absorbing.
const (
	StateIdle SessionState = iota
	StateCollecting
	StateFitting
	StateValidating
	StateConverged
	StateRetrying
	StateContinuousCorrecting
	StateFailed
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCollecting:
		return "Collecting"
	case StateFitting:
		return "Fitting"
	case StateValidating:
		return "Validating"
	case StateConverged:
		return "Converged"
	case StateRetrying:
		return "Retrying"
	case StateContinuousCorrecting:
		return "ContinuousCorrecting"
	case StateFailed:
		return "Failed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Progress is a snapshot of the session for external rendering: enough to tell
// "still trying" from "gave up" and to show live retry quality.
type Progress struct {
	State        SessionState
	Attempt      int
	PairCount    int
	LastResidual float64
	LastSpread   float64
}
