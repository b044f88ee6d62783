package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/origincal/origincal/calibration"
	"github.com/origincal/origincal/logging"
	"github.com/origincal/origincal/posesource"
	"github.com/origincal/origincal/posesource/wsource"
	"github.com/origincal/origincal/store"
)

const defaultMonitorInterval = time.Second

// Exit codes, one per failure class, so scripts can tell "it gave up" from "it never
// had a baseline" without parsing logs.
const (
	exitGeneric            = 1
	exitRuntimeUnreachable = 2
	exitNoPriorCalibration = 3
	exitFitExhausted       = 4
)

// exitCodeForError maps an engine error onto the exit code of its failure class.
func exitCodeForError(err error) int {
	switch {
	case errors.Is(err, calibration.ErrNoPriorCalibration):
		return exitNoPriorCalibration
	case errors.Is(err, calibration.ErrDegenerateFit),
		errors.Is(err, calibration.ErrPoorResidual),
		errors.Is(err, calibration.ErrInconsistentOrientation):
		return exitFitExhausted
	default:
		return exitGeneric
	}
}

func newLogger(cCtx *cli.Context) logging.Logger {
	if cCtx.Bool("debug") {
		return logging.NewDebugLogger("origincal")
	}
	return logging.NewLogger("origincal")
}

func dialSource(cCtx *cli.Context, logger logging.Logger) (posesource.Source, error) {
	source, err := wsource.Dial(cCtx.Context, cCtx.String("address"), logger)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitRuntimeUnreachable)
	}
	return source, nil
}

func openStore(cCtx *cli.Context) (store.Store, error) {
	dir := cCtx.String("store-dir")
	if dir == "" {
		var err error
		if dir, err = store.DefaultDir(); err != nil {
			return nil, cli.Exit(err.Error(), exitGeneric)
		}
	}
	st, err := store.NewFileStore(dir)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitGeneric)
	}
	return st, nil
}

func loadConfig(cCtx *cli.Context) (calibration.Config, error) {
	if path := cCtx.String("tuning"); path != "" {
		cfg, err := calibration.LoadConfig(path)
		if err != nil {
			return cfg, cli.Exit(err.Error(), exitGeneric)
		}
		return cfg, nil
	}
	return calibration.DefaultConfig(), nil
}

// ShowAction lists tracking origins and the devices under each.
func ShowAction(cCtx *cli.Context) (err error) {
	logger := newLogger(cCtx)
	source, err := dialSource(cCtx, logger)
	if err != nil {
		return err
	}
	defer func() { multierr.AppendInto(&err, source.Close(cCtx.Context)) }()

	// The first snapshot may still be in flight right after dialing.
	origins, err := waitForOrigins(cCtx.Context, source)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeUnreachable)
	}
	for _, origin := range origins {
		fmt.Printf("[%d] %s\n", origin.ID, origin.Name)
		fmt.Printf(" │ OFFSET: %s\n", origin.Offset.String())
		devices, err := source.ListDevices(cCtx.Context, origin.ID)
		if err != nil {
			return cli.Exit(err.Error(), exitGeneric)
		}
		for i, device := range devices {
			branch := "├──"
			if i == len(devices)-1 {
				branch = "└──"
			}
			if device.Name != "" && device.Name != device.Serial {
				fmt.Printf(" %s \"%s\" (%s)\n", branch, device.Serial, device.Name)
			} else {
				fmt.Printf(" %s \"%s\"\n", branch, device.Serial)
			}
		}
	}
	return nil
}

// MonitorAction continuously prints device poses per origin until interrupted.
func MonitorAction(cCtx *cli.Context) (err error) {
	logger := newLogger(cCtx)
	source, err := dialSource(cCtx, logger)
	if err != nil {
		return err
	}
	defer func() { multierr.AppendInto(&err, source.Close(cCtx.Context)) }()

	interval := cCtx.Duration("interval")
	for {
		origins, err := waitForOrigins(cCtx.Context, source)
		if err != nil {
			return cli.Exit(err.Error(), exitRuntimeUnreachable)
		}
		for _, origin := range origins {
			devices, err := source.ListDevices(cCtx.Context, origin.ID)
			if err != nil {
				return cli.Exit(err.Error(), exitGeneric)
			}
			for _, device := range devices {
				pose, err := source.SamplePose(cCtx.Context, device)
				if err != nil {
					fmt.Printf("%-12s %-24s (not tracking)\n", origin.Name, device.Serial)
					continue
				}
				fmt.Printf("%-12s %-24s POS(%.3f, %.3f, %.3f)\n",
					origin.Name, device.Serial,
					pose.Position.X, pose.Position.Y, pose.Position.Z)
			}
		}
		fmt.Println()
		select {
		case <-cCtx.Context.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// CalibrateAction runs a full calibration session, one-shot or continuous.
func CalibrateAction(cCtx *cli.Context) (err error) {
	logger := newLogger(cCtx)
	source, err := dialSource(cCtx, logger)
	if err != nil {
		return err
	}
	defer func() { multierr.AppendInto(&err, source.Close(cCtx.Context)) }()

	session, err := newSession(cCtx, source, logger)
	if err != nil {
		return err
	}
	if _, err := session.Run(cCtx.Context, cCtx.Bool("continuous")); err != nil &&
		!errors.Is(err, context.Canceled) {
		return cli.Exit(err.Error(), exitCodeForError(err))
	}
	return nil
}

// ContinueAction resumes from the stored calibration without refitting.
func ContinueAction(cCtx *cli.Context) (err error) {
	logger := newLogger(cCtx)
	source, err := dialSource(cCtx, logger)
	if err != nil {
		return err
	}
	defer func() { multierr.AppendInto(&err, source.Close(cCtx.Context)) }()

	session, err := newSession(cCtx, source, logger)
	if err != nil {
		return err
	}
	if _, err := session.Resume(cCtx.Context, !cCtx.Bool("once")); err != nil &&
		!errors.Is(err, context.Canceled) {
		return cli.Exit(err.Error(), exitCodeForError(err))
	}
	return nil
}

func newSession(cCtx *cli.Context, source posesource.Source, logger logging.Logger) (*calibration.Session, error) {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	if samples := cCtx.Int("samples"); samples > 0 {
		cfg.TargetPairs = samples
	}
	st, err := openStore(cCtx)
	if err != nil {
		return nil, err
	}

	srcDev, err := findDevice(cCtx.Context, source, cCtx.String("src"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitGeneric)
	}
	dstDev, err := findDevice(cCtx.Context, source, cCtx.String("dst"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitGeneric)
	}

	session, err := calibration.NewSession(source, srcDev, dstDev, st, cfg, clock.New(), logger)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitGeneric)
	}
	return session, nil
}

func findDevice(ctx context.Context, source posesource.Source, serial string) (posesource.Device, error) {
	if _, err := waitForOrigins(ctx, source); err != nil {
		return posesource.Device{}, err
	}
	return posesource.FindDevice(ctx, source, serial)
}

// waitForOrigins retries ListOrigins briefly; a freshly-dialed bridge may not have
// pushed its first snapshot yet.
func waitForOrigins(ctx context.Context, source posesource.Source) ([]posesource.TrackingOrigin, error) {
	var lastErr error
	for i := 0; i < 50; i++ {
		origins, err := source.ListOrigins(ctx)
		if err == nil {
			return origins, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, lastErr
}
