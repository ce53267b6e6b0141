package pipeline

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/detectors/ensemble"
	"github.com/hed1ad/herdguard/pkg/detectors/seasonal"
	"github.com/hed1ad/herdguard/pkg/detectors/statistical"
	"github.com/hed1ad/herdguard/pkg/health"
	"github.com/hed1ad/herdguard/pkg/outbreak"
)

// Strategy selects how clusters are formed from detection results.
type Strategy string

const (
	// StrategyCombined clusters rows flagged by any detector.
	StrategyCombined Strategy = "combined"
	// StrategyMerged clusters each detector's flags separately and merges
	// clusters sharing location and window.
	StrategyMerged Strategy = "merged"
)

// SeasonalConfig controls the optional seasonal adjustment pre-step.
type SeasonalConfig struct {
	Enabled bool
	// Period is the season length in steps of one day.
	Period    int
	Model     seasonal.Model
	Threshold float64
}

// RangeConfig controls the cleaning step run before detection.
type RangeConfig struct {
	Enabled bool
	// ActivityFloor raises lower activity_level readings to it; zero keeps
	// them as read.
	ActivityFloor float64
	// Normal holds the per-category normal ranges used to mark extremes.
	Normal health.NormalRanges
}

// Config is the engine configuration.
type Config struct {
	// Metrics are the monitored metric columns. Columns absent from a batch
	// are skipped.
	Metrics []string

	WindowSize int
	ZThreshold float64

	Contamination float64
	NEstimators   int
	// MaxSamples is the isolation tree subsample size; zero means min(256, n).
	MaxSamples  int
	RandomState int64

	Weights ensemble.Weights

	TimeWindow     time.Duration
	MinClusterSize int
	Strategy       Strategy

	// PartitionByLocation runs detection per location_id in parallel.
	PartitionByLocation bool
	// Concurrency bounds parallel partitions; zero means unbounded.
	Concurrency int

	Seasonal SeasonalConfig
	Ranges   RangeConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Metrics:        append([]string(nil), health.DefaultMetrics...),
		WindowSize:     statistical.DefaultWindowSize,
		ZThreshold:     statistical.DefaultThreshold,
		Contamination:  0.1,
		NEstimators:    100,
		RandomState:    42,
		Weights:        ensemble.DefaultWeights(),
		TimeWindow:     outbreak.DefaultWindow,
		MinClusterSize: outbreak.DefaultMinClusterSize,
		Strategy:       StrategyCombined,
		Seasonal: SeasonalConfig{
			Period:    7,
			Model:     seasonal.Additive,
			Threshold: 3.0,
		},
		Ranges: RangeConfig{
			Enabled:       true,
			ActivityFloor: 0.1,
			Normal:        health.DefaultNormalRanges(),
		},
	}
}

// Validate checks every field.
func (c Config) Validate() error {
	switch {
	case len(c.Metrics) == 0:
		return eris.Wrap(detectors.ErrInput, "pipeline: no metrics configured")
	case c.WindowSize < 1:
		return eris.Wrapf(detectors.ErrInput, "pipeline: window_size %d must be positive", c.WindowSize)
	case !(c.ZThreshold > 0) || math.IsInf(c.ZThreshold, 0):
		return eris.Wrapf(detectors.ErrInput, "pipeline: z_threshold %v must be positive", c.ZThreshold)
	case !(c.Contamination >= 0 && c.Contamination <= 0.5):
		return eris.Wrapf(detectors.ErrInput, "pipeline: contamination %v must be in [0, 0.5]", c.Contamination)
	case c.NEstimators < 1:
		return eris.Wrapf(detectors.ErrInput, "pipeline: n_estimators %d must be positive", c.NEstimators)
	case c.MaxSamples < 0:
		return eris.Wrapf(detectors.ErrInput, "pipeline: max_samples %d must not be negative", c.MaxSamples)
	case c.Strategy != StrategyCombined && c.Strategy != StrategyMerged:
		return eris.Wrapf(detectors.ErrInput, "pipeline: unknown cluster strategy %q", c.Strategy)
	case c.Concurrency < 0:
		return eris.Wrapf(detectors.ErrInput, "pipeline: concurrency %d must not be negative", c.Concurrency)
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if err := c.clusterConfig().Validate(); err != nil {
		return err
	}
	if c.Ranges.Enabled {
		if !(c.Ranges.ActivityFloor >= 0) {
			return eris.Wrapf(detectors.ErrInput, "pipeline: activity floor %v must not be negative", c.Ranges.ActivityFloor)
		}
		if err := c.Ranges.Normal.Validate(); err != nil {
			return err
		}
	}
	if c.Seasonal.Enabled {
		if c.Seasonal.Period < 2 {
			return eris.Wrapf(detectors.ErrInput, "pipeline: seasonal period %d must be at least 2", c.Seasonal.Period)
		}
		if !(c.Seasonal.Threshold > 0) {
			return eris.Wrapf(detectors.ErrInput, "pipeline: seasonal threshold %v must be positive", c.Seasonal.Threshold)
		}
	}
	return nil
}

func (c Config) detectorConfig() detectors.Config {
	return detectors.Config{
		Contamination: c.Contamination,
		NEstimators:   c.NEstimators,
		MaxSamples:    c.MaxSamples,
		RandomSeed:    c.RandomState,
	}
}

func (c Config) clusterConfig() outbreak.Config {
	return outbreak.Config{
		Window:         c.TimeWindow,
		MinClusterSize: c.MinClusterSize,
	}
}
