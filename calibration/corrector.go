package calibration

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/origincal/origincal/logging"
	"github.com/origincal/origincal/spatialmath"
)

// Corrector maintains the active transform after initial convergence. Refinement
// candidates from sliding-window refits are blended in with a bounded step per cycle,
// and transient outliers are discarded, so consumers reading Active never observe a
// discontinuous jump or a torn rotation/translation pair.
//
// The corrector is the sole writer of the active transform; any number of readers may
// call Active concurrently.
type Corrector struct {
	cfg    Config
	logger logging.Logger

	active   atomic.Pointer[spatialmath.Transform]
	residual float64
}

// NewCorrector returns a corrector seeded with the accepted initial fit.
func NewCorrector(cfg Config, initial FitResult, logger logging.Logger) *Corrector {
	c := &Corrector{cfg: cfg, logger: logger, residual: initial.Residual}
	t := initial.Transform
	c.active.Store(&t)
	return c
}

// Active returns the currently published transform. The value is immutable once
// published; successive calls observe whole updates in publication order.
func (c *Corrector) Active() spatialmath.Transform {
	return *c.active.Load()
}

// Residual returns the tracked residual of the active transform.
func (c *Corrector) Residual() float64 {
	return c.residual
}

// Offer considers one refinement candidate and reports whether it was applied. A
// candidate whose residual is far worse than the tracked residual is treated as a
// transient outlier (erratic motion, brief occlusion) and skipped for this cycle.
func (c *Corrector) Offer(candidate FitResult) bool {
	if !candidate.Transform.IsFinite() {
		c.logger.Debugw("discarding non-finite refinement candidate")
		return false
	}
	if c.residual > 0 && candidate.Residual > c.cfg.OutlierResidualFactor*c.residual {
		c.logger.Debugw("discarding outlier refinement candidate",
			"candidate_residual", candidate.Residual, "tracked_residual", c.residual)
		return false
	}

	current := c.active.Load()
	next := current.StepTowards(
		candidate.Transform,
		c.cfg.BlendFraction,
		c.cfg.MaxRotStep,
		c.cfg.MaxPosStep,
	)
	c.active.Store(&next)
	c.residual += c.cfg.BlendFraction * (candidate.Residual - c.residual)
	return true
}

// window is the sliding window of most-recent sample pairs the corrector refits over.
type window struct {
	pairs []SamplePair
	size  int
}

func newWindow(size int) *window {
	return &window{size: size}
}

func (w *window) add(pair SamplePair) {
	w.pairs = append(w.pairs, pair)
	if len(w.pairs) > w.size {
		w.pairs = w.pairs[len(w.pairs)-w.size:]
	}
}

func (w *window) snapshot() []SamplePair {
	out := make([]SamplePair, len(w.pairs))
	copy(out, w.pairs)
	return out
}

// refitWindow runs one correction cycle over the window's pairs.
func refitWindow(w *window, minPairs int) (FitResult, error) {
	pairs := w.snapshot()
	if len(pairs) < minPairs {
		return FitResult{}, errors.Wrapf(ErrDegenerateFit, "window has %d pairs, need %d", len(pairs), minPairs)
	}
	return EstimateTransform(pairs)
}
