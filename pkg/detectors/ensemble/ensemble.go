// Package ensemble fuses the statistical and unsupervised detectors into one
// anomaly decision per record.
package ensemble

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/detectors/iforest"
	"github.com/hed1ad/herdguard/pkg/detectors/statistical"
	"github.com/hed1ad/herdguard/pkg/detectors/unsupervised"
	"github.com/hed1ad/herdguard/pkg/health"
	"github.com/hed1ad/herdguard/pkg/outbreak"
)

// Threshold is the ensemble score at or above which a record is flagged:
// the midpoint of the 0-10 scale.
const Threshold = 5.0

// Weights scale each detector's normalized score in the ensemble score.
// They need not sum to one.
type Weights struct {
	Statistical  float64
	Unsupervised float64
}

// DefaultWeights returns 0.4 statistical, 0.6 unsupervised.
func DefaultWeights() Weights {
	return Weights{Statistical: 0.4, Unsupervised: 0.6}
}

// Validate rejects negative or non-finite weights.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Statistical, w.Unsupervised} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return eris.Wrapf(detectors.ErrInput, "ensemble: invalid weights %+v", w)
		}
	}
	return nil
}

// Combiner runs both detectors over a batch and fuses their outputs.
type Combiner struct {
	stat       *statistical.Detector
	scorer     detectors.Scorer
	pretrained *unsupervised.Detector
	weights    Weights
}

// Option configures a Combiner.
type Option func(*Combiner)

// WithStatistical sets the statistical detector.
func WithStatistical(d *statistical.Detector) Option {
	return func(c *Combiner) {
		c.stat = d
	}
}

// WithScorer sets the outlier algorithm fitted on each batch.
func WithScorer(s detectors.Scorer) Option {
	return func(c *Combiner) {
		c.scorer = s
	}
}

// WithPretrained scores batches with an already fitted detector instead of
// fitting on each batch.
func WithPretrained(d *unsupervised.Detector) Option {
	return func(c *Combiner) {
		c.pretrained = d
	}
}

// WithWeights sets the fusion weights.
func WithWeights(w Weights) Option {
	return func(c *Combiner) {
		c.weights = w
	}
}

// New creates a Combiner.
func New(opts ...Option) (*Combiner, error) {
	c := &Combiner{weights: DefaultWeights()}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.weights.Validate(); err != nil {
		return nil, err
	}
	if c.stat == nil {
		d, err := statistical.New()
		if err != nil {
			return nil, err
		}
		c.stat = d
	}
	if c.scorer == nil {
		c.scorer = iforest.New(iforest.WithConfig(detectors.DefaultConfig()))
	}
	if c.pretrained != nil && !c.pretrained.Fitted() {
		return nil, eris.Wrap(detectors.ErrState, "ensemble: pretrained detector is not fitted")
	}
	return c, nil
}

// Detect scores records on the given metrics. Results line up with records.
// Each call fits its own unsupervised state unless the Combiner is
// pretrained, so concurrent calls do not share mutable state.
func (c *Combiner) Detect(records []health.Record, metrics []string) ([]health.Result, error) {
	if len(records) == 0 {
		return nil, nil
	}

	statRows := c.stat.Detect(records, metrics)

	var (
		unsupRows []unsupervised.Row
		err       error
	)
	if c.pretrained != nil {
		unsupRows, err = c.pretrained.Predict(records)
	} else {
		unsupRows, err = unsupervised.New(unsupervised.WithScorer(c.scorer)).Detect(records, metrics)
	}
	if err != nil {
		return nil, eris.Wrap(err, "ensemble: unsupervised scoring")
	}

	var maxZ float64
	for _, r := range statRows {
		maxZ = math.Max(maxZ, r.Score)
	}

	results := make([]health.Result, len(records))
	for i, rec := range records {
		s, u := statRows[i], unsupRows[i]

		var statNorm float64
		if maxZ > 0 {
			statNorm = unsupervised.MaxScore * s.Score / maxZ
		}
		ensemble := c.weights.Statistical*statNorm + c.weights.Unsupervised*u.Score

		res := health.Result{
			Record:               rec,
			ZScores:              s.ZScores,
			MetricFlags:          s.Flags,
			Contributions:        u.Contributions,
			StatisticalAnomaly:   s.IsAnomaly,
			StatisticalScore:     s.Score,
			StatisticalNorm:      statNorm,
			UnsupervisedAnomaly:  u.Outlier,
			UnsupervisedDecision: u.Decision,
			UnsupervisedScore:    u.Score,
			EnsembleAnomaly:      ensemble >= Threshold,
			EnsembleScore:        ensemble,
		}

		if res.StatisticalAnomaly {
			res.Methods |= health.MethodStatistical
		}
		if res.UnsupervisedAnomaly {
			res.Methods |= health.MethodUnsupervised
		}
		if res.EnsembleAnomaly {
			res.Methods |= health.MethodEnsemble
		}
		res.IsAnomaly = res.Methods != 0
		res.AnomalyScore = clamp(math.Max(statNorm, math.Max(u.Score, ensemble)), 0, unsupervised.MaxScore)

		results[i] = res
	}
	return results, nil
}

// Clusters finds clusters per detector and merges them by location and
// window.
func (c *Combiner) Clusters(results []health.Result, d *outbreak.Detector) []outbreak.Cluster {
	return outbreak.Merge(d.MinClusterSize(),
		d.DetectBy(results, outbreak.Statistical),
		d.DetectBy(results, outbreak.Unsupervised),
	)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
