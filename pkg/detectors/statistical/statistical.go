// Package statistical flags metric values far from their entity's recent
// history using rolling z-scores.
package statistical

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/health"
)

// Defaults for the rolling window.
const (
	DefaultWindowSize = 7
	DefaultThreshold  = 3.0
)

// Detector computes trailing-window z-scores per entity and metric.
type Detector struct {
	windowSize int
	threshold  float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindowSize sets the number of trailing records per entity, including
// the current one.
func WithWindowSize(n int) Option {
	return func(d *Detector) {
		d.windowSize = n
	}
}

// WithThreshold sets the absolute z-score above which a metric is flagged.
func WithThreshold(z float64) Option {
	return func(d *Detector) {
		d.threshold = z
	}
}

// New creates a Detector.
func New(opts ...Option) (*Detector, error) {
	d := &Detector{
		windowSize: DefaultWindowSize,
		threshold:  DefaultThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.windowSize < 1 {
		return nil, eris.Wrapf(detectors.ErrInput, "statistical: window size %d must be positive", d.windowSize)
	}
	if !(d.threshold > 0) || math.IsInf(d.threshold, 0) {
		return nil, eris.Wrapf(detectors.ErrInput, "statistical: threshold %v must be positive and finite", d.threshold)
	}
	return d, nil
}

// Threshold returns the z-score threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Row is the statistical outcome for one record.
type Row struct {
	ZScores map[string]float64
	Flags   map[string]bool
	// IsAnomaly is the OR of the per-metric flags.
	IsAnomaly bool
	// Score is the max absolute defined z-score, or 0.
	Score float64
}

// Detect scores every record on each metric. Rows line up with records.
func (d *Detector) Detect(records []health.Record, metrics []string) []Row {
	rows := make([]Row, len(records))
	for i := range rows {
		rows[i] = Row{
			ZScores: make(map[string]float64, len(metrics)),
			Flags:   make(map[string]bool, len(metrics)),
		}
	}

	for _, series := range health.EntitySeries(records) {
		for _, metric := range metrics {
			values := make([]health.Value, len(series))
			for j, idx := range series {
				values[j] = records[idx].Values[metric]
			}

			for j, z := range d.ZScores(values) {
				row := &rows[series[j]]
				row.ZScores[metric] = z
				row.Flags[metric] = math.Abs(z) > d.threshold
			}
		}
	}

	for i := range rows {
		for _, metric := range metrics {
			z := rows[i].ZScores[metric]
			if math.IsNaN(z) {
				continue
			}
			if rows[i].Flags[metric] {
				rows[i].IsAnomaly = true
			}
			if a := math.Abs(z); a > rows[i].Score {
				rows[i].Score = a
			}
		}
	}
	return rows
}

// ZScores computes the rolling z-score of an ordered series. The window holds
// the trailing windowSize positions; missing values are skipped inside it.
// The result is NaN where the value is missing, the window holds fewer than
// two values, or the window has zero variance.
func (d *Detector) ZScores(values []health.Value) []float64 {
	out := make([]float64, len(values))
	window := make([]float64, 0, d.windowSize)

	for i, v := range values {
		out[i] = math.NaN()
		if !v.Valid {
			continue
		}

		window = window[:0]
		for j := max(0, i-d.windowSize+1); j <= i; j++ {
			if values[j].Valid {
				window = append(window, values[j].Float)
			}
		}
		if len(window) < 2 || constant(window) {
			continue
		}

		mean, std := stat.MeanStdDev(window, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		out[i] = (v.Float - mean) / std
	}
	return out
}

func constant(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}
