package calibration

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/origincal/origincal/logging"
	"github.com/origincal/origincal/posesource"
	"github.com/origincal/origincal/spatialmath"
	"github.com/origincal/origincal/store"
)

// Session drives one calibration of a device pair: collecting correlated pairs,
// fitting, validating, retrying on poor fits, persisting on convergence, and
// optionally correcting drift until cancelled.
//
// A session runs at most once; terminal states are absorbing and a new calibration
// needs a new session. The session owns the batch and state exclusively; the only
// value shared with other flows is the published active transform.
type Session struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	source posesource.Source
	srcDev posesource.Device
	dstDev posesource.Device
	store  store.Store

	mu        sync.Mutex
	progress  Progress
	corrector *Corrector
	accepted  *spatialmath.Transform
}

// NewSession validates the configuration and device pair and returns a ready session.
func NewSession(
	source posesource.Source,
	srcDev, dstDev posesource.Device,
	st store.Store,
	cfg Config,
	clk clock.Clock,
	logger logging.Logger,
) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if srcDev.Origin == dstDev.Origin {
		return nil, errors.Wrapf(ErrSameOrigin, "%s and %s", srcDev.Serial, dstDev.Serial)
	}
	return &Session{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("session", uuid.New().String()[:8], "src", srcDev.Serial, "dst", dstDev.Serial),
		source: source,
		srcDev: srcDev,
		dstDev: dstDev,
		store:  st,
	}, nil
}

// Progress returns a snapshot of the session for live rendering.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.State
}

// ActiveTransform returns the most recently published accepted transform, if any.
// While drift correction runs, this tracks the corrector's atomically-published value.
func (s *Session) ActiveTransform() (spatialmath.Transform, bool) {
	s.mu.Lock()
	corrector, accepted := s.corrector, s.accepted
	s.mu.Unlock()
	if corrector != nil {
		return corrector.Active(), true
	}
	if accepted != nil {
		return *accepted, true
	}
	return spatialmath.Transform{}, false
}

// Run performs a full calibration. It blocks until the transform is accepted (one-shot
// mode), until cancellation (continuous mode), or until the session fails. The accepted
// transform is persisted on convergence regardless of mode; a persistence failure is
// returned alongside a still-valid transform.
func (s *Session) Run(ctx context.Context, continuous bool) (spatialmath.Transform, error) {
	s.logger.Infow("starting calibration, move the two devices together",
		"target_pairs", s.cfg.TargetPairs)

	correlator := NewCorrelator(s.source, s.srcDev, s.dstDev, s.cfg, s.clock, s.logger)
	correlator.Start(ctx)
	defer correlator.Stop()

	fit, err := s.converge(ctx, correlator)
	if err != nil {
		return spatialmath.Transform{}, err
	}

	s.setAccepted(fit.Transform)
	persistErr := s.persist(fit.Transform)

	if !continuous {
		s.setState(StateTerminated)
		return fit.Transform, persistErr
	}

	final, err := s.correctContinuously(ctx, correlator, fit)
	if err != nil {
		return final, err
	}
	if persistErr != nil {
		return final, persistErr
	}
	return final, nil
}

// Resume implements "reuse last calibration": it loads the stored record for the device
// pair and skips collection and fitting entirely. Without a stored record it fails with
// ErrNoPriorCalibration; no sampling happens in that case.
func (s *Session) Resume(ctx context.Context, continuous bool) (spatialmath.Transform, error) {
	record, err := s.store.Load(s.srcDev.Serial, s.dstDev.Serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.setState(StateFailed)
			return spatialmath.Transform{}, errors.Wrapf(ErrNoPriorCalibration, "%s -> %s", s.srcDev.Serial, s.dstDev.Serial)
		}
		s.setState(StateFailed)
		return spatialmath.Transform{}, err
	}

	transform := record.Transform()
	s.logger.Infow("resuming from stored calibration",
		"created_at", record.CreatedAt, "transform", transform.String())
	s.setState(StateConverged)
	s.setAccepted(transform)

	if !continuous {
		s.setState(StateTerminated)
		return transform, nil
	}

	correlator := NewCorrelator(s.source, s.srcDev, s.dstDev, s.cfg, s.clock, s.logger)
	correlator.Start(ctx)
	defer correlator.Stop()

	// The stored record has no residual; seed tracking at the acceptance threshold so
	// the first few live refits are judged against a neutral baseline.
	seed := FitResult{Transform: transform, Residual: s.cfg.MaxResidual, Pairs: 0}
	return s.correctContinuously(ctx, correlator, seed)
}

// converge runs the collect/fit/validate/retry loop until a fit is accepted or the
// session fails. Retries continue automatically; a bounded retry count is opt-in.
func (s *Session) converge(ctx context.Context, correlator *Correlator) (FitResult, error) {
	attempt := 0
	for {
		attempt++
		s.setAttempt(attempt)

		s.setState(StateCollecting)
		batch, err := s.collect(ctx, correlator)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.setState(StateTerminated)
			} else {
				s.setState(StateFailed)
			}
			return FitResult{}, err
		}

		s.setState(StateFitting)
		fit, err := EstimateTransform(batch)
		if err != nil {
			if failErr := s.retry(attempt, err, FitResult{}, 0); failErr != nil {
				return FitResult{}, failErr
			}
			continue
		}

		s.setState(StateValidating)
		_, spread, err := OrientationConsistency(batch)
		if err != nil {
			if failErr := s.retry(attempt, err, fit, 0); failErr != nil {
				return FitResult{}, failErr
			}
			continue
		}
		s.recordQuality(fit.Residual, spread)

		if fit.Residual > s.cfg.MaxResidual {
			cause := errors.Wrapf(ErrPoorResidual, "residual %.4fm > %.4fm", fit.Residual, s.cfg.MaxResidual)
			if failErr := s.retry(attempt, cause, fit, spread); failErr != nil {
				return FitResult{}, failErr
			}
			continue
		}
		if spread > s.cfg.MaxOrientationSpread {
			cause := errors.Wrapf(ErrInconsistentOrientation, "orientation spread %.4frad > %.4frad", spread, s.cfg.MaxOrientationSpread)
			if failErr := s.retry(attempt, cause, fit, spread); failErr != nil {
				return FitResult{}, failErr
			}
			continue
		}

		s.setState(StateConverged)
		s.logger.Infow("calibration converged",
			"attempt", attempt,
			"pairs", fit.Pairs,
			"residual_m", fit.Residual,
			"orientation_spread_rad", spread,
			"transform", fit.Transform.String())
		return fit, nil
	}
}

// collect fills one batch from the correlator, preserving correlation-time order. It
// returns early with a degraded-stream failure when the collection budget expires with
// fewer than the minimum usable pairs.
func (s *Session) collect(ctx context.Context, correlator *Correlator) ([]SamplePair, error) {
	batch := make([]SamplePair, 0, s.cfg.TargetPairs)
	budget := s.clock.Timer(s.cfg.CollectionBudget)
	defer budget.Stop()

	for len(batch) < s.cfg.TargetPairs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case pair, ok := <-correlator.Pairs():
			if !ok {
				if err := correlator.Err(); err != nil {
					return nil, err
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errors.Wrap(ErrStreamStalled, "correlator stopped")
			}
			batch = append(batch, pair)
			s.setPairCount(len(batch))
		case <-budget.C:
			if len(batch) >= s.cfg.MinPairs {
				return batch, nil
			}
			return nil, errors.Wrapf(ErrStreamStalled,
				"degraded stream: %d pairs in %v, need %d", len(batch), s.cfg.CollectionBudget, s.cfg.MinPairs)
		}
	}
	return batch, nil
}

// retry records a failed attempt. It returns nil to keep retrying or the terminal error
// once the bounded retry budget (if configured) is exhausted.
func (s *Session) retry(attempt int, cause error, fit FitResult, spread float64) error {
	s.setState(StateRetrying)
	s.recordQuality(fit.Residual, spread)
	s.logger.Infow("calibration attempt failed, retrying",
		"attempt", attempt,
		"cause", cause.Error(),
		"pairs", fit.Pairs,
		"residual_m", fit.Residual,
		"orientation_spread_rad", spread)
	if s.cfg.MaxRetries > 0 && attempt >= s.cfg.MaxRetries {
		s.setState(StateFailed)
		return errors.Wrapf(cause, "gave up after %d attempts", attempt)
	}
	return nil
}

// correctContinuously runs the drift-correction loop until cancellation, then persists
// whatever transform was last applied.
func (s *Session) correctContinuously(ctx context.Context, correlator *Correlator, initial FitResult) (spatialmath.Transform, error) {
	corrector := NewCorrector(s.cfg, initial, s.logger)
	s.mu.Lock()
	s.corrector = corrector
	s.mu.Unlock()
	s.setState(StateContinuousCorrecting)
	s.logger.Infow("continuous drift correction active")

	win := newWindow(s.cfg.WindowSize)
	cycle := s.clock.Timer(s.cfg.CorrectionInterval)
	defer cycle.Stop()

	finish := func(runErr error) (spatialmath.Transform, error) {
		final := corrector.Active()
		s.setAccepted(final)
		persistErr := s.persist(final)
		if runErr != nil {
			s.setState(StateFailed)
			return final, runErr
		}
		s.setState(StateTerminated)
		return final, persistErr
	}

	for {
		select {
		case <-ctx.Done():
			// Cancellation ends the session cleanly; the last-applied transform
			// stays intact and is persisted on the way out.
			return finish(nil)
		case pair, ok := <-correlator.Pairs():
			if !ok {
				if err := correlator.Err(); err != nil {
					return finish(err)
				}
				if ctx.Err() != nil {
					return finish(nil)
				}
				return finish(errors.Wrap(ErrStreamStalled, "correlator stopped"))
			}
			win.add(pair)
			s.setPairCount(len(win.pairs))
		case <-cycle.C:
			candidate, err := refitWindow(win, s.cfg.MinPairs)
			if err != nil {
				// Degenerate or underfilled window; skip this cycle.
				s.logger.Debugw("skipping correction cycle", "cause", err.Error())
			} else if corrector.Offer(candidate) {
				s.recordQuality(corrector.Residual(), 0)
			}
			cycle.Reset(s.cfg.CorrectionInterval)
		}
	}
}

func (s *Session) persist(transform spatialmath.Transform) error {
	record := store.NewRecord(s.srcDev.Serial, s.dstDev.Serial, transform, s.clock.Now())
	if err := s.store.Save(record); err != nil {
		// The in-memory transform stays valid for this run even when it cannot be saved.
		s.logger.Warnw("could not persist calibration", "error", err)
		return errors.Wrap(err, "persisting calibration")
	}
	s.logger.Infow("calibration persisted", "src", s.srcDev.Serial, "dst", s.dstDev.Serial)
	return nil
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.State = state
}

func (s *Session) setAttempt(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Attempt = attempt
	s.progress.PairCount = 0
}

func (s *Session) setPairCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.PairCount = n
}

func (s *Session) recordQuality(residual, spread float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.LastResidual = residual
	s.progress.LastSpread = spread
}

func (s *Session) setAccepted(t spatialmath.Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = &t
}
