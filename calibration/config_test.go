package calibration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDefaultConfigValid(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	err := os.WriteFile(path, []byte(`
target_pairs: 250
max_residual: 0.02
correction_interval: 500ms
`), 0o644)
	test.That(t, err, test.ShouldBeNil)

	cfg, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.TargetPairs, test.ShouldEqual, 250)
	test.That(t, cfg.MaxResidual, test.ShouldAlmostEqual, 0.02)
	test.That(t, cfg.CorrectionInterval, test.ShouldEqual, 500*time.Millisecond)
	// Untouched keys keep their defaults.
	test.That(t, cfg.MinPairs, test.ShouldEqual, DefaultConfig().MinPairs)
	test.That(t, cfg.BlendFraction, test.ShouldAlmostEqual, DefaultConfig().BlendFraction)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	err := os.WriteFile(path, []byte("target_pairs: 2\n"), 0o644)
	test.That(t, err, test.ShouldBeNil)
	_, err = LoadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"staleness below gap", func(c *Config) { c.StalenessLimit = c.MaxCorrelationGap - 1 }},
		{"too few min pairs", func(c *Config) { c.MinPairs = 2 }},
		{"target below min", func(c *Config) { c.TargetPairs = c.MinPairs - 1 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"window below min pairs", func(c *Config) { c.WindowSize = c.MinPairs - 1 }},
		{"blend above one", func(c *Config) { c.BlendFraction = 1.5 }},
		{"zero rot step", func(c *Config) { c.MaxRotStep = 0 }},
		{"outlier factor below one", func(c *Config) { c.OutlierResidualFactor = 0.5 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			test.That(t, cfg.Validate(), test.ShouldNotBeNil)
		})
	}
}
