package calibration

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/origincal/origincal/logging"
	"github.com/origincal/origincal/posesource"
	"github.com/origincal/origincal/posesource/fake"
	"github.com/origincal/origincal/spatialmath"
	"github.com/origincal/origincal/store"
)

func newTestStore(t *testing.T) *store.FileStore {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	return st
}

func TestSessionConvergesFirstAttempt(t *testing.T) {
	cfg := fastTestConfig()
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	want := spatialmath.NewTransform(yRotation(math.Pi/2), r3.Vector{X: 1})
	source, srcDev, dstDev := movingRig(clk, want)
	st := newTestStore(t)

	session, err := NewSession(source, srcDev, dstDev, st, cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := session.Run(ctx, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.State(), test.ShouldEqual, StateTerminated)
	test.That(t, spatialmath.TransformAlmostEqual(got, want, 1e-3, 1e-3), test.ShouldBeTrue)

	progress := session.Progress()
	test.That(t, progress.Attempt, test.ShouldEqual, 1)
	test.That(t, progress.LastResidual, test.ShouldBeLessThan, cfg.MaxResidual)

	// Convergence persisted the transform for a later resume.
	record, err := st.Load(srcDev.Serial, dstDev.Serial)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.TransformAlmostEqual(record.Transform(), got, 1e-9, 1e-9), test.ShouldBeTrue)

	active, ok := session.ActiveTransform()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.TransformAlmostEqual(active, got, 1e-9, 1e-9), test.ShouldBeTrue)
}

func TestSessionContinuousCorrection(t *testing.T) {
	cfg := fastTestConfig()
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	want := spatialmath.NewTransform(yRotation(0.4), r3.Vector{X: 0.2, Z: -0.1})
	source, srcDev, dstDev := movingRig(clk, want)
	st := newTestStore(t)

	session, err := NewSession(source, srcDev, dstDev, st, cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := session.Run(ctx, true)
	// Cancellation ends continuous mode cleanly with the last-applied transform.
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.State(), test.ShouldEqual, StateTerminated)
	test.That(t, spatialmath.TransformAlmostEqual(got, want, 5e-2, 5e-2), test.ShouldBeTrue)

	record, err := st.Load(srcDev.Serial, dstDev.Serial)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.TransformAlmostEqual(record.Transform(), got, 1e-9, 1e-9), test.ShouldBeTrue)
}

func TestSessionResumeWithoutPrior(t *testing.T) {
	cfg := fastTestConfig()
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	source, srcDev, dstDev := movingRig(clk, spatialmath.NewZeroTransform())
	st := newTestStore(t)

	session, err := NewSession(source, srcDev, dstDev, st, cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	_, err = session.Resume(context.Background(), false)
	test.That(t, errors.Is(err, ErrNoPriorCalibration), test.ShouldBeTrue)
	test.That(t, session.State(), test.ShouldEqual, StateFailed)

	// The miss is decided from storage alone; the devices were never sampled.
	test.That(t, source.SampleCount(srcDev.Serial), test.ShouldEqual, 0)
	test.That(t, source.SampleCount(dstDev.Serial), test.ShouldEqual, 0)
}

func TestSessionResumeFromStored(t *testing.T) {
	cfg := fastTestConfig()
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	source, srcDev, dstDev := movingRig(clk, spatialmath.NewZeroTransform())
	st := newTestStore(t)

	saved := spatialmath.NewTransform(yRotation(1.2), r3.Vector{Y: 0.7})
	err := st.Save(store.NewRecord(srcDev.Serial, dstDev.Serial, saved, clk.Now()))
	test.That(t, err, test.ShouldBeNil)

	session, err := NewSession(source, srcDev, dstDev, st, cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	got, err := session.Resume(context.Background(), false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.State(), test.ShouldEqual, StateTerminated)
	test.That(t, spatialmath.TransformAlmostEqual(got, saved, 1e-9, 1e-9), test.ShouldBeTrue)
	test.That(t, source.SampleCount(srcDev.Serial), test.ShouldEqual, 0)
}

func TestSessionFailsWhenBudgetExpiresUnderfilled(t *testing.T) {
	cfg := fastTestConfig()
	cfg.CollectionBudget = 200 * time.Millisecond
	// Keep the stall detector out of the way; the budget must be what ends collection.
	cfg.StallTimeout = 5 * time.Second
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	// The destination stream is starved, so no pair ever forms.
	source := fake.NewSource(clk)
	headOrigin := source.AddOrigin("inside-out")
	trackerOrigin := source.AddOrigin("lighthouse")
	srcDev := source.AddDevice(headOrigin, "HMD-0001", fake.StaticPose(spatialmath.NewZeroPose()))
	dstDev := source.AddDevice(trackerOrigin, "TRACKER-0001", func(context.Context) (spatialmath.Pose, error) {
		return spatialmath.Pose{}, posesource.ErrDeviceUnavailable
	})

	st := newTestStore(t)
	session, err := NewSession(source, srcDev, dstDev, st, cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = session.Run(ctx, false)
	test.That(t, errors.Is(err, ErrStreamStalled), test.ShouldBeTrue)
	test.That(t, session.State(), test.ShouldEqual, StateFailed)

	// Nothing was persisted for the pair.
	_, err = st.Load(srcDev.Serial, dstDev.Serial)
	test.That(t, errors.Is(err, store.ErrNotFound), test.ShouldBeTrue)
}

func TestSessionFitsPartialBatchWhenBudgetExpires(t *testing.T) {
	cfg := fastTestConfig()
	cfg.TargetPairs = 1 << 20 // never reached; the budget ends collection
	cfg.CollectionBudget = 300 * time.Millisecond
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	want := spatialmath.NewTransform(yRotation(math.Pi/2), r3.Vector{X: 1})
	source, srcDev, dstDev := movingRig(clk, want)
	st := newTestStore(t)

	session, err := NewSession(source, srcDev, dstDev, st, cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Enough pairs arrived before the budget ran out, so the partial batch is fit.
	got, err := session.Run(ctx, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.State(), test.ShouldEqual, StateTerminated)
	test.That(t, session.Progress().PairCount, test.ShouldBeGreaterThanOrEqualTo, cfg.MinPairs)
	test.That(t, spatialmath.TransformAlmostEqual(got, want, 1e-2, 1e-2), test.ShouldBeTrue)
}

func TestSessionResumeRejectsCorruptRecord(t *testing.T) {
	cfg := fastTestConfig()
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	source, srcDev, dstDev := movingRig(clk, spatialmath.NewZeroTransform())
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	test.That(t, err, test.ShouldBeNil)

	// A calibration file with a zero rotation must never reach the engine.
	err = os.WriteFile(filepath.Join(dir, "HMD-0001__TRACKER-0001.json"),
		[]byte(`{"source_serial":"HMD-0001","dest_serial":"TRACKER-0001","rotation":[0,0,0,0],"translation":[0,0,0]}`), 0o644)
	test.That(t, err, test.ShouldBeNil)

	session, err := NewSession(source, srcDev, dstDev, st, cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	_, err = session.Resume(context.Background(), false)
	test.That(t, errors.Is(err, store.ErrInvalidRecord), test.ShouldBeTrue)
	test.That(t, session.State(), test.ShouldEqual, StateFailed)
	test.That(t, source.SampleCount(srcDev.Serial), test.ShouldEqual, 0)
}

func TestSessionRejectsSameOrigin(t *testing.T) {
	cfg := fastTestConfig()
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	source := fake.NewSource(clk)
	origin := source.AddOrigin("inside-out")
	a := source.AddDevice(origin, "HMD-0001", fake.StaticPose(spatialmath.NewZeroPose()))
	b := source.AddDevice(origin, "CTRL-0001", fake.StaticPose(spatialmath.NewZeroPose()))

	_, err := NewSession(source, a, b, newTestStore(t), cfg, clk, logger)
	test.That(t, errors.Is(err, ErrSameOrigin), test.ShouldBeTrue)
}

func TestSessionExhaustsRetriesOnDegenerateMotion(t *testing.T) {
	cfg := fastTestConfig()
	cfg.MaxRetries = 2
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	// Both devices sit still; every batch is degenerate and retries run out.
	source := fake.NewSource(clk)
	headOrigin := source.AddOrigin("inside-out")
	trackerOrigin := source.AddOrigin("lighthouse")
	srcDev := source.AddDevice(headOrigin, "HMD-0001", fake.StaticPose(spatialmath.NewZeroPose()))
	dstDev := source.AddDevice(trackerOrigin, "TRACKER-0001",
		fake.StaticPose(spatialmath.NewPose(r3.Vector{X: 1}, yRotation(0))))

	session, err := NewSession(source, srcDev, dstDev, newTestStore(t), cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = session.Run(ctx, false)
	test.That(t, errors.Is(err, ErrDegenerateFit), test.ShouldBeTrue)
	test.That(t, session.State(), test.ShouldEqual, StateFailed)
}

func TestSessionCancelDuringCollection(t *testing.T) {
	cfg := fastTestConfig()
	cfg.TargetPairs = 1 << 20 // never reached
	cfg.CollectionBudget = time.Minute
	logger := logging.NewTestLogger(t)
	clk := clock.New()

	source, srcDev, dstDev := movingRig(clk, spatialmath.NewZeroTransform())
	session, err := NewSession(source, srcDev, dstDev, newTestStore(t), cfg, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = session.Run(ctx, false)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, session.State(), test.ShouldEqual, StateTerminated)
}
