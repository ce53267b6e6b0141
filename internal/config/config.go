// Package config loads herdguard settings from a YAML file, the environment
// and an optional .env file.
package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/detectors/ensemble"
	"github.com/hed1ad/herdguard/pkg/detectors/seasonal"
	"github.com/hed1ad/herdguard/pkg/health"
	"github.com/hed1ad/herdguard/pkg/outbreak"
	"github.com/hed1ad/herdguard/pkg/pipeline"
	"github.com/hed1ad/herdguard/pkg/store"
)

// EnvPrefix prefixes every environment override, e.g.
// HERDGUARD_DETECTION_Z_THRESHOLD.
const EnvPrefix = "HERDGUARD"

// Config is the top-level configuration.
type Config struct {
	Detection DetectionConfig `yaml:"detection" mapstructure:"detection"`
	Cluster   ClusterConfig   `yaml:"cluster" mapstructure:"cluster"`
	Seasonal  SeasonalConfig  `yaml:"seasonal" mapstructure:"seasonal"`
	Ranges    RangesConfig    `yaml:"ranges" mapstructure:"ranges"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Model     ModelConfig     `yaml:"model" mapstructure:"model"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DetectionConfig configures the statistical and unsupervised detectors.
type DetectionConfig struct {
	Metrics             []string      `yaml:"metrics" mapstructure:"metrics"`
	WindowSize          int           `yaml:"window_size" mapstructure:"window_size"`
	ZThreshold          float64       `yaml:"z_threshold" mapstructure:"z_threshold"`
	Contamination       float64       `yaml:"contamination" mapstructure:"contamination"`
	NEstimators         int           `yaml:"n_estimators" mapstructure:"n_estimators"`
	MaxSamples          int           `yaml:"max_samples" mapstructure:"max_samples"`
	RandomState         int64         `yaml:"random_state" mapstructure:"random_state"`
	EnsembleWeights     WeightsConfig `yaml:"ensemble_weights" mapstructure:"ensemble_weights"`
	PartitionByLocation bool          `yaml:"partition_by_location" mapstructure:"partition_by_location"`
	Concurrency         int           `yaml:"concurrency" mapstructure:"concurrency"`
}

// WeightsConfig holds the ensemble weights.
type WeightsConfig struct {
	Statistical  float64 `yaml:"statistical" mapstructure:"statistical"`
	Unsupervised float64 `yaml:"unsupervised" mapstructure:"unsupervised"`
}

// ClusterConfig configures outbreak clustering.
type ClusterConfig struct {
	// TimeWindow accepts "7D", "2w" or a Go duration such as "168h".
	TimeWindow     string `yaml:"time_window" mapstructure:"time_window"`
	MinClusterSize int    `yaml:"min_cluster_size" mapstructure:"min_cluster_size"`
	Strategy       string `yaml:"strategy" mapstructure:"strategy"`
}

// SeasonalConfig configures the seasonal adjustment pre-step.
type SeasonalConfig struct {
	Enabled   bool    `yaml:"enabled" mapstructure:"enabled"`
	Period    int     `yaml:"period" mapstructure:"period"`
	Model     string  `yaml:"model" mapstructure:"model"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
}

// RangesConfig configures cleaning before detection. Normal maps metric,
// then category, to a [min, max] pair.
type RangesConfig struct {
	Enabled       bool                            `yaml:"enabled" mapstructure:"enabled"`
	ActivityFloor float64                         `yaml:"activity_floor" mapstructure:"activity_floor"`
	Normal        map[string]map[string][]float64 `yaml:"normal" mapstructure:"normal"`
}

// StoreConfig configures the alert database.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// ModelConfig locates the persisted unsupervised scorer.
type ModelConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging. File enables a rotated log file in addition
// to stderr.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// Load reads configuration from path, or from herdguard.yaml in the working
// directory when path is empty, then applies environment overrides. A
// missing default file is not an error.
func Load(path string) (*Config, error) {
	// Variables already set win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("herdguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := pipeline.DefaultConfig()
	v.SetDefault("detection.metrics", health.DefaultMetrics)
	v.SetDefault("detection.window_size", defaults.WindowSize)
	v.SetDefault("detection.z_threshold", defaults.ZThreshold)
	v.SetDefault("detection.contamination", defaults.Contamination)
	v.SetDefault("detection.n_estimators", defaults.NEstimators)
	v.SetDefault("detection.max_samples", defaults.MaxSamples)
	v.SetDefault("detection.random_state", defaults.RandomState)
	v.SetDefault("detection.ensemble_weights.statistical", defaults.Weights.Statistical)
	v.SetDefault("detection.ensemble_weights.unsupervised", defaults.Weights.Unsupervised)
	v.SetDefault("detection.partition_by_location", false)
	v.SetDefault("detection.concurrency", 0)
	v.SetDefault("cluster.time_window", "7D")
	v.SetDefault("cluster.min_cluster_size", defaults.MinClusterSize)
	v.SetDefault("cluster.strategy", string(defaults.Strategy))
	v.SetDefault("seasonal.enabled", false)
	v.SetDefault("seasonal.period", defaults.Seasonal.Period)
	v.SetDefault("seasonal.model", defaults.Seasonal.Model.String())
	v.SetDefault("seasonal.threshold", defaults.Seasonal.Threshold)
	v.SetDefault("ranges.enabled", defaults.Ranges.Enabled)
	v.SetDefault("ranges.activity_floor", defaults.Ranges.ActivityFloor)
	for metric, byCategory := range defaults.Ranges.Normal {
		for category, r := range byCategory {
			v.SetDefault("ranges.normal."+metric+"."+category, []float64{r.Min, r.Max})
		}
	}
	v.SetDefault("store.driver", store.DriverSQLite)
	v.SetDefault("store.dsn", "herdguard.db")
	v.SetDefault("model.path", "herdguard.model")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Pipeline converts the loaded settings to an engine configuration.
// Range checks are left to pipeline.New.
func (c *Config) Pipeline() (pipeline.Config, error) {
	window, err := outbreak.ParseWindow(c.Cluster.TimeWindow)
	if err != nil {
		return pipeline.Config{}, eris.Wrap(err, "config: cluster.time_window")
	}
	model, err := seasonal.ParseModel(c.Seasonal.Model)
	if err != nil {
		return pipeline.Config{}, eris.Wrap(err, "config: seasonal.model")
	}
	normal, err := c.Ranges.normalRanges()
	if err != nil {
		return pipeline.Config{}, err
	}

	return pipeline.Config{
		Metrics:       c.Detection.Metrics,
		WindowSize:    c.Detection.WindowSize,
		ZThreshold:    c.Detection.ZThreshold,
		Contamination: c.Detection.Contamination,
		NEstimators:   c.Detection.NEstimators,
		MaxSamples:    c.Detection.MaxSamples,
		RandomState:   c.Detection.RandomState,
		Weights: ensemble.Weights{
			Statistical:  c.Detection.EnsembleWeights.Statistical,
			Unsupervised: c.Detection.EnsembleWeights.Unsupervised,
		},
		TimeWindow:          window,
		MinClusterSize:      c.Cluster.MinClusterSize,
		Strategy:            pipeline.Strategy(strings.ToLower(c.Cluster.Strategy)),
		PartitionByLocation: c.Detection.PartitionByLocation,
		Concurrency:         c.Detection.Concurrency,
		Seasonal: pipeline.SeasonalConfig{
			Enabled:   c.Seasonal.Enabled,
			Period:    c.Seasonal.Period,
			Model:     model,
			Threshold: c.Seasonal.Threshold,
		},
		Ranges: pipeline.RangeConfig{
			Enabled:       c.Ranges.Enabled,
			ActivityFloor: c.Ranges.ActivityFloor,
			Normal:        normal,
		},
	}, nil
}

func (c RangesConfig) normalRanges() (health.NormalRanges, error) {
	out := make(health.NormalRanges, len(c.Normal))
	for metric, byCategory := range c.Normal {
		out[metric] = make(map[string]health.Range, len(byCategory))
		for category, pair := range byCategory {
			if len(pair) != 2 {
				return nil, eris.Wrapf(detectors.ErrInput, "config: ranges.normal.%s.%s needs [min, max], got %v", metric, category, pair)
			}
			out[metric][category] = health.Range{Min: pair[0], Max: pair[1]}
		}
	}
	return out, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		file := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, file)
		}))
	}
	zap.ReplaceGlobals(logger)

	return nil
}
