// Package pipeline runs the full detection flow over one batch: optional
// seasonal adjustment, statistical and unsupervised scoring, fusion, and
// outbreak clustering.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/detectors/ensemble"
	"github.com/hed1ad/herdguard/pkg/detectors/iforest"
	"github.com/hed1ad/herdguard/pkg/detectors/seasonal"
	"github.com/hed1ad/herdguard/pkg/detectors/statistical"
	"github.com/hed1ad/herdguard/pkg/detectors/unsupervised"
	"github.com/hed1ad/herdguard/pkg/health"
	"github.com/hed1ad/herdguard/pkg/outbreak"
)

// Report is the output of one run.
type Report struct {
	// Results line up with the batch records.
	Results []health.Result
	// Metrics are the metric columns that were scored.
	Metrics  []string
	Clusters []outbreak.Cluster
}

// Engine holds validated configuration and the detectors built from it. It
// keeps no state between runs, so one Engine serves concurrent callers.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	scorer     detectors.Scorer
	pretrained *unsupervised.Detector
	combiner   *ensemble.Combiner
	clusters   *outbreak.Detector
	adjuster   *seasonal.Adjuster
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithPretrained scores batches with a fitted unsupervised detector instead
// of fitting one per batch.
func WithPretrained(d *unsupervised.Detector) Option {
	return func(e *Engine) {
		e.pretrained = d
	}
}

// New validates cfg and builds an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	stat, err := statistical.New(
		statistical.WithWindowSize(cfg.WindowSize),
		statistical.WithThreshold(cfg.ZThreshold),
	)
	if err != nil {
		return nil, err
	}
	e.scorer = iforest.New(iforest.WithConfig(cfg.detectorConfig()))

	combinerOpts := []ensemble.Option{
		ensemble.WithStatistical(stat),
		ensemble.WithScorer(e.scorer),
		ensemble.WithWeights(cfg.Weights),
	}
	if e.pretrained != nil {
		combinerOpts = append(combinerOpts, ensemble.WithPretrained(e.pretrained))
	}
	if e.combiner, err = ensemble.New(combinerOpts...); err != nil {
		return nil, err
	}

	if e.clusters, err = outbreak.New(cfg.clusterConfig()); err != nil {
		return nil, err
	}

	if cfg.Seasonal.Enabled {
		e.adjuster, err = seasonal.New(cfg.Seasonal.Period,
			seasonal.WithModel(cfg.Seasonal.Model),
			seasonal.WithThreshold(cfg.Seasonal.Threshold),
		)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Run scores every record of batch and clusters the anomalies. An empty
// batch yields an empty report.
func (e *Engine) Run(ctx context.Context, batch *health.Batch) (report *Report, err error) {
	start := time.Now()
	defer func() {
		e.metrics.observe(report, time.Since(start).Seconds(), err)
		if err != nil {
			e.log.Error("pipeline: run failed", zap.Error(err))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: run")
	}
	if batch.Len() == 0 {
		e.log.Info("pipeline: empty batch")
		return &Report{}, nil
	}

	cleaned, records, metrics, err := e.prepare(batch)
	if err != nil {
		return nil, err
	}

	var results []health.Result
	if e.cfg.PartitionByLocation {
		results, err = e.detectPartitioned(ctx, records, metrics)
	} else {
		results, err = e.combiner.Detect(records, metrics)
	}
	if err != nil {
		return nil, err
	}
	// Report the cleaned measurements, not the seasonally adjusted ones.
	var extremes int
	for i := range results {
		results[i].Record = cleaned[i]
		if e.cfg.Ranges.Enabled {
			results[i].Extremes = e.cfg.Ranges.Normal.Extremes(cleaned[i])
			if len(results[i].Extremes) > 0 {
				extremes++
			}
		}
	}

	report = &Report{Results: results, Metrics: metrics}
	switch e.cfg.Strategy {
	case StrategyMerged:
		report.Clusters = e.combiner.Clusters(results, e.clusters)
	default:
		report.Clusters = e.clusters.Detect(results)
	}

	var anomalies int
	for _, r := range results {
		if r.IsAnomaly {
			anomalies++
		}
	}
	e.log.Info("pipeline: run complete",
		zap.Int("records", len(results)),
		zap.Strings("metrics", metrics),
		zap.Int("anomalies", anomalies),
		zap.Int("extremes", extremes),
		zap.Int("clusters", len(report.Clusters)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// Fit fits an unsupervised detector on batch with the engine configuration,
// for later use with WithPretrained.
func (e *Engine) Fit(batch *health.Batch) (*unsupervised.Detector, error) {
	if batch.Len() == 0 {
		return nil, eris.Wrap(detectors.ErrInput, "pipeline: cannot fit on an empty batch")
	}
	_, records, metrics, err := e.prepare(batch)
	if err != nil {
		return nil, err
	}

	d := unsupervised.New(unsupervised.WithScorer(e.scorer))
	if err := d.Fit(records, metrics); err != nil {
		return nil, err
	}
	e.log.Info("pipeline: scorer fitted",
		zap.Int("records", len(records)),
		zap.Strings("features", d.Features()),
	)
	return d, nil
}

// prepare validates the batch, resolves the metric columns, cleans the
// records and applies the seasonal pre-step. It returns the cleaned records
// and the records to score.
func (e *Engine) prepare(batch *health.Batch) ([]health.Record, []health.Record, []string, error) {
	if err := batch.Validate(); err != nil {
		return nil, nil, nil, err
	}
	metrics := batch.Select(e.cfg.Metrics)
	if len(metrics) == 0 {
		return nil, nil, nil, eris.Wrapf(detectors.ErrInput, "pipeline: none of the metrics %v is present", e.cfg.Metrics)
	}
	if missing := len(e.cfg.Metrics) - len(metrics); missing > 0 {
		e.log.Warn("pipeline: configured metrics missing from batch",
			zap.Strings("configured", e.cfg.Metrics),
			zap.Strings("present", metrics),
		)
	}

	cleaned := batch.Records
	if e.cfg.Ranges.Enabled && e.cfg.Ranges.ActivityFloor > 0 {
		cleaned = make([]health.Record, len(batch.Records))
		for i, r := range batch.Records {
			cleaned[i] = r.ClipBelow(health.ActivityLevel, e.cfg.Ranges.ActivityFloor)
		}
	}

	records := cleaned
	if e.adjuster != nil {
		for _, m := range metrics {
			adjusted, err := e.adjuster.AdjustRecords(records, m)
			if err != nil {
				return nil, nil, nil, err
			}
			records = adjusted
		}
	}
	return cleaned, records, metrics, nil
}

// detectPartitioned scores each location independently and writes results
// back to their original positions.
func (e *Engine) detectPartitioned(ctx context.Context, records []health.Record, metrics []string) ([]health.Result, error) {
	parts := (&health.Batch{Records: records}).PartitionByLocation()
	results := make([]health.Result, len(records))

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Concurrency > 0 {
		g.SetLimit(e.cfg.Concurrency)
	}
	for _, p := range parts {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := e.combiner.Detect(p.Records, metrics)
			if err != nil {
				return eris.Wrapf(err, "pipeline: location %s", p.LocationID)
			}
			for j, idx := range p.Indices {
				results[idx] = out[j]
			}
			e.log.Debug("pipeline: partition scored",
				zap.String("location_id", p.LocationID),
				zap.Int("records", len(out)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
