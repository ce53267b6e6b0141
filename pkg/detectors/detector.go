// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

// Scorer is the common interface for unsupervised outlier algorithms.
// Implementations hold configuration only; fitted parameters live in the
// returned Model, so one Scorer can fit many independent models.
type Scorer interface {
	// Name identifies the algorithm in persisted state.
	Name() string

	// Fit trains a model on the provided data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) (Model, error)

	// Restore rebuilds a model from bytes produced by Model.MarshalBinary.
	Restore(data []byte) (Model, error)
}

// Model is a fitted outlier model. A Model is immutable once fitted and safe
// for concurrent use.
type Model interface {
	// Decision returns one raw decision value per sample (lower is more
	// anomalous) and the model's own outlier flag for it.
	Decision(data [][]float64) ([]Score, error)

	// MarshalBinary serializes the fitted parameters.
	MarshalBinary() ([]byte, error)
}

// Score represents a raw outlier decision for one sample.
type Score struct {
	// Value is the decision value; negative values are outliers.
	Value float64
	// IsAnomaly indicates the model's contamination-based flag.
	IsAnomaly bool
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	// Zero selects the algorithm's automatic threshold.
	Contamination float64
	// NEstimators is the ensemble size for tree-based scorers.
	NEstimators int
	// MaxSamples is the subsample size per estimator; zero means automatic.
	MaxSamples int
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.1,
		NEstimators:   100,
		RandomSeed:    42,
	}
}
