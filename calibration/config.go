package calibration

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the engine's tuning constants. All of them interact with runtime
// sampling jitter and motion-prediction latency, so they are configuration rather
// than hard-coded values; the defaults suit consumer VR runtimes.
type Config struct {
	// PollInterval is the period of the sampling/correlation loop.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxCorrelationGap is the largest capture-time difference at which a source and a
	// destination pose are still considered "the same instant".
	MaxCorrelationGap time.Duration `yaml:"max_correlation_gap"`
	// StalenessLimit is the age past which an unpaired pose is discarded instead of
	// being paired with fresh data after a dropout.
	StalenessLimit time.Duration `yaml:"staleness_limit"`
	// StallTimeout is how long a stream may go without a usable pose before the
	// correlator reports it stalled.
	StallTimeout time.Duration `yaml:"stall_timeout"`

	// MinPairs is the fewest correlated pairs a fit will be attempted on.
	MinPairs int `yaml:"min_pairs"`
	// TargetPairs is the batch size collection aims for before fitting.
	TargetPairs int `yaml:"target_pairs"`
	// CollectionBudget caps how long one collection window may take.
	CollectionBudget time.Duration `yaml:"collection_budget"`

	// MaxResidual is the RMS positional error (meters) above which a fit is rejected.
	MaxResidual float64 `yaml:"max_residual"`
	// MaxOrientationSpread is the tolerated standard deviation (radians) of the
	// per-pair implied rotation around its mean. High spread means the two devices
	// were not rigidly attached during collection.
	MaxOrientationSpread float64 `yaml:"max_orientation_spread"`
	// MaxRetries bounds consecutive failed attempts before the session gives up.
	// Zero means retry forever; cancellation is then the only way out.
	MaxRetries int `yaml:"max_retries"`

	// CorrectionInterval is the period of the continuous drift-correction cycle.
	CorrectionInterval time.Duration `yaml:"correction_interval"`
	// WindowSize is how many recent pairs the drift corrector refits over.
	WindowSize int `yaml:"window_size"`
	// BlendFraction is how far the active transform moves toward a refinement
	// candidate each cycle.
	BlendFraction float64 `yaml:"blend_fraction"`
	// MaxRotStep / MaxPosStep cap the per-publication change of the active transform
	// (radians / meters), so consumers never observe a jump.
	MaxRotStep float64 `yaml:"max_rot_step"`
	MaxPosStep float64 `yaml:"max_pos_step"`
	// OutlierResidualFactor discards a refinement candidate whose residual is this
	// many times worse than the tracked residual of the active transform.
	OutlierResidualFactor float64 `yaml:"outlier_residual_factor"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      25 * time.Millisecond,
		MaxCorrelationGap: 25 * time.Millisecond,
		StalenessLimit:    150 * time.Millisecond,
		StallTimeout:      2 * time.Second,

		MinPairs:         10,
		TargetPairs:      500,
		CollectionBudget: 60 * time.Second,

		MaxResidual:          0.015,
		MaxOrientationSpread: 0.0873, // 5 degrees
		MaxRetries:           0,

		CorrectionInterval:    time.Second,
		WindowSize:            100,
		BlendFraction:         0.02,
		MaxRotStep:            0.0087, // 0.5 degrees
		MaxPosStep:            0.005,
		OutlierResidualFactor: 3,
	}
}

// LoadConfig reads overrides from a YAML file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "cannot read tuning config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "cannot parse tuning config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.MaxCorrelationGap <= 0 {
		return errors.New("max_correlation_gap must be positive")
	}
	if c.StalenessLimit < c.MaxCorrelationGap {
		return errors.New("staleness_limit must be at least max_correlation_gap")
	}
	if c.StallTimeout <= 0 {
		return errors.New("stall_timeout must be positive")
	}
	if c.MinPairs < minRigidPairs {
		return errors.Errorf("min_pairs must be at least %d", minRigidPairs)
	}
	if c.TargetPairs < c.MinPairs {
		return errors.New("target_pairs must be at least min_pairs")
	}
	if c.CollectionBudget <= 0 {
		return errors.New("collection_budget must be positive")
	}
	if c.MaxResidual <= 0 {
		return errors.New("max_residual must be positive")
	}
	if c.MaxOrientationSpread <= 0 {
		return errors.New("max_orientation_spread must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}
	if c.CorrectionInterval <= 0 {
		return errors.New("correction_interval must be positive")
	}
	if c.WindowSize < c.MinPairs {
		return errors.New("window_size must be at least min_pairs")
	}
	if c.BlendFraction <= 0 || c.BlendFraction > 1 {
		return errors.New("blend_fraction must be in (0, 1]")
	}
	if c.MaxRotStep <= 0 || c.MaxPosStep <= 0 {
		return errors.New("max_rot_step and max_pos_step must be positive")
	}
	if c.OutlierResidualFactor < 1 {
		return errors.New("outlier_residual_factor must be at least 1")
	}
	return nil
}
