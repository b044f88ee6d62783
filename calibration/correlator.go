package calibration

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/origincal/origincal/logging"
	"github.com/origincal/origincal/posesource"
)

// pairBuffer bounds how far pairing may run ahead of a slow consumer before pairs are
// dropped. Dropping is harmless here; a batch only needs enough pairs, not all pairs.
const pairBuffer = 64

// Correlator turns two asynchronous, independently-rated pose streams into correlated
// sample pairs. It polls both devices on one worker, keeps the freshest finite pose of
// each stream, and emits a pair whenever both readings are within the correlation gap.
// It holds no calibration semantics of its own.
type Correlator struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	source  posesource.Source
	srcDev  posesource.Device
	dstDev  posesource.Device

	pairs chan SamplePair

	mu          sync.Mutex
	lastSrc     *posesource.StampedPose
	lastDst     *posesource.StampedPose
	lastGoodSrc time.Time
	lastGoodDst time.Time
	emittedSrc  time.Time
	emittedDst  time.Time
	err         error

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewCorrelator returns a correlator for the given device pair. Start must be called
// before pairs flow.
func NewCorrelator(
	source posesource.Source,
	srcDev, dstDev posesource.Device,
	cfg Config,
	clk clock.Clock,
	logger logging.Logger,
) *Correlator {
	return &Correlator{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		source: source,
		srcDev: srcDev,
		dstDev: dstDev,
		pairs:  make(chan SamplePair, pairBuffer),
	}
}

// Start launches the sampling/correlation worker. The worker runs until Stop is called,
// the context is cancelled, or a stream stalls; in the stall case the pair channel is
// closed and Err reports the condition.
func (c *Correlator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	now := c.clock.Now()
	c.mu.Lock()
	c.lastGoodSrc, c.lastGoodDst = now, now
	c.mu.Unlock()

	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		c.sampleLoop(workerCtx)
	}, c.activeBackgroundWorkers.Done)
}

// Pairs returns the channel of correlated sample pairs, in correlation-time order.
// The channel is closed when the correlator stops; check Err afterwards.
func (c *Correlator) Pairs() <-chan SamplePair {
	return c.pairs
}

// Err returns the condition that stopped the correlator, if any.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop halts the worker and waits for it to exit.
func (c *Correlator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.activeBackgroundWorkers.Wait()
}

func (c *Correlator) sampleLoop(ctx context.Context) {
	defer close(c.pairs)
	for {
		if ctx.Err() != nil {
			return
		}

		c.sampleOnce(ctx)

		if err := c.checkStalled(); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.Warnw("pose stream stalled", "error", err)
			return
		}

		if !goutils.SelectContextOrWait(ctx, c.cfg.PollInterval) {
			return
		}
	}
}

func (c *Correlator) sampleOnce(ctx context.Context) {
	now := c.clock.Now()

	srcPose, srcErr := c.source.SamplePose(ctx, c.srcDev)
	dstPose, dstErr := c.source.SamplePose(ctx, c.dstDev)

	c.mu.Lock()
	defer c.mu.Unlock()

	if srcErr == nil && srcPose.IsFinite() {
		c.lastSrc = &srcPose
		c.lastGoodSrc = now
	} else if srcErr != nil && !errors.Is(srcErr, posesource.ErrDeviceUnavailable) {
		c.logger.Debugw("source sample failed", "device", c.srcDev.Serial, "error", srcErr)
	}
	if dstErr == nil && dstPose.IsFinite() {
		c.lastDst = &dstPose
		c.lastGoodDst = now
	} else if dstErr != nil && !errors.Is(dstErr, posesource.ErrDeviceUnavailable) {
		c.logger.Debugw("destination sample failed", "device", c.dstDev.Serial, "error", dstErr)
	}

	// Drop stale readings rather than pair them with fresh data across a dropout.
	if c.lastSrc != nil && now.Sub(c.lastGoodSrc) > c.cfg.StalenessLimit {
		c.lastSrc = nil
	}
	if c.lastDst != nil && now.Sub(c.lastGoodDst) > c.cfg.StalenessLimit {
		c.lastDst = nil
	}

	if c.lastSrc == nil || c.lastDst == nil {
		return
	}
	// Never emit the same reading twice.
	if c.lastSrc.CapturedAt.Equal(c.emittedSrc) && c.lastDst.CapturedAt.Equal(c.emittedDst) {
		return
	}

	gap := c.lastSrc.CapturedAt.Sub(c.lastDst.CapturedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > c.cfg.MaxCorrelationGap {
		return
	}

	pair := SamplePair{Source: *c.lastSrc, Destination: *c.lastDst, Gap: gap}
	select {
	case c.pairs <- pair:
		c.emittedSrc = c.lastSrc.CapturedAt
		c.emittedDst = c.lastDst.CapturedAt
	default:
		// Consumer is behind; drop rather than block the sampling loop.
	}
}

func (c *Correlator) checkStalled() error {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastGoodSrc) > c.cfg.StallTimeout {
		return errors.Wrapf(ErrStreamStalled, "source device %s silent for %v", c.srcDev.Serial, now.Sub(c.lastGoodSrc))
	}
	if now.Sub(c.lastGoodDst) > c.cfg.StallTimeout {
		return errors.Wrapf(ErrStreamStalled, "destination device %s silent for %v", c.dstDev.Serial, now.Sub(c.lastGoodDst))
	}
	return nil
}
