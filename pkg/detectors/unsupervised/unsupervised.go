// Package unsupervised scores records with a fitted outlier model over
// standardized metric features.
//
// A Detector owns exactly one fitted state. Fit replaces it and requires
// exclusive access; Predict only reads it and is safe for concurrent use.
package unsupervised

import (
	"bytes"
	"encoding/gob"
	"errors"
	"io/fs"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/detectors/iforest"
	"github.com/hed1ad/herdguard/pkg/health"
)

// MaxScore is the top of the normalized score scale.
const MaxScore = 10.0

// State is the fitted scorer state persisted by Save.
type State struct {
	ScorerName string
	Features   []string
	// Mean and Scale are the standardization parameters per feature.
	Mean  []float64
	Scale []float64
	// Model holds the scorer's serialized model.
	Model    []byte
	FittedAt time.Time
}

// Detector wraps a detectors.Scorer with imputation, scaling and score
// normalization.
type Detector struct {
	scorer detectors.Scorer
	now    func() time.Time

	mu    sync.RWMutex
	state *State
	model detectors.Model
}

// Option configures a Detector.
type Option func(*Detector)

// WithScorer sets the outlier algorithm. The default is an isolation forest
// with detectors.DefaultConfig.
func WithScorer(s detectors.Scorer) Option {
	return func(d *Detector) {
		d.scorer = s
	}
}

// WithClock overrides the fit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// New creates an unfitted Detector.
func New(opts ...Option) *Detector {
	d := &Detector{now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	if d.scorer == nil {
		d.scorer = iforest.New(iforest.WithConfig(detectors.DefaultConfig()))
	}
	return d
}

// Row is the unsupervised outcome for one record.
type Row struct {
	// Decision is the raw model value; lower is more anomalous.
	Decision float64
	// Outlier is the model's contamination-based flag.
	Outlier bool
	// Score is Decision min-max normalized over the batch and inverted to
	// [0, MaxScore].
	Score float64
	// Contributions is each feature's absolute standardized deviation
	// relative to the largest one in the batch.
	Contributions map[string]float64
}

// Fit learns the feature set, scaling parameters and model from records.
// Metrics without a single present value are dropped.
func (d *Detector) Fit(records []health.Record, metrics []string) error {
	var (
		features []string
		columns  [][]float64
	)
	for _, m := range metrics {
		col, ok := column(records, m, math.NaN())
		if !ok {
			continue
		}
		features = append(features, m)
		columns = append(columns, col)
	}
	if len(features) == 0 {
		return eris.Wrapf(detectors.ErrInput, "unsupervised: no valid feature columns among %v", metrics)
	}

	state := &State{
		ScorerName: d.scorer.Name(),
		Features:   features,
		Mean:       make([]float64, len(features)),
		Scale:      make([]float64, len(features)),
	}
	for j, col := range columns {
		impute(col)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		state.Mean[j], state.Scale[j] = mean, std
	}

	model, err := d.scorer.Fit(standardize(columns, state))
	if err != nil {
		return eris.Wrap(err, "unsupervised: fit model")
	}
	raw, err := model.MarshalBinary()
	if err != nil {
		return eris.Wrap(err, "unsupervised: encode model")
	}
	state.Model = raw
	state.FittedAt = d.now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.state, d.model = state, model
	return nil
}

// Predict scores records with the fitted state. Missing values are imputed
// with the batch column mean, or the fitted mean when the column has no
// present value in the batch.
func (d *Detector) Predict(records []health.Record) ([]Row, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.state == nil {
		return nil, eris.Wrap(detectors.ErrState, "unsupervised: predict before fit")
	}
	if len(records) == 0 {
		return nil, nil
	}

	state := d.state
	columns := make([][]float64, len(state.Features))
	for j, f := range state.Features {
		col, ok := column(records, f, math.NaN())
		if !ok {
			for i := range col {
				col[i] = state.Mean[j]
			}
		}
		impute(col)
		columns[j] = col
	}

	matrix := standardize(columns, state)
	scores, err := d.model.Decision(matrix)
	if err != nil {
		return nil, eris.Wrap(err, "unsupervised: score")
	}

	decisions := make([]float64, len(scores))
	for i, s := range scores {
		decisions[i] = s.Value
	}
	lo, hi := floats.Min(decisions), floats.Max(decisions)

	// Largest absolute deviation per feature.
	peak := make([]float64, len(state.Features))
	for _, row := range matrix {
		for j, v := range row {
			peak[j] = math.Max(peak[j], math.Abs(v))
		}
	}

	rows := make([]Row, len(records))
	for i, s := range scores {
		r := Row{
			Decision:      s.Value,
			Outlier:       s.IsAnomaly,
			Contributions: make(map[string]float64, len(state.Features)),
		}
		if hi > lo {
			r.Score = MaxScore * (1 - (s.Value-lo)/(hi-lo))
		}
		for j, f := range state.Features {
			if peak[j] > 0 {
				r.Contributions[f] = math.Abs(matrix[i][j]) / peak[j]
			} else {
				r.Contributions[f] = 0
			}
		}
		rows[i] = r
	}
	return rows, nil
}

// Detect fits on records and scores the same records. An empty batch
// yields no rows.
func (d *Detector) Detect(records []health.Record, metrics []string) ([]Row, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if err := d.Fit(records, metrics); err != nil {
		return nil, err
	}
	return d.Predict(records)
}

// Fitted reports whether a state is loaded.
func (d *Detector) Fitted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state != nil
}

// Features returns the fitted feature columns.
func (d *Detector) Features() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == nil {
		return nil
	}
	return append([]string(nil), d.state.Features...)
}

// FittedAt returns when the current state was fitted.
func (d *Detector) FittedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == nil {
		return time.Time{}
	}
	return d.state.FittedAt
}

// FeatureImportance returns an equal weight per fitted feature. Isolation
// forests expose no native importances.
func (d *Detector) FeatureImportance() (map[string]float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == nil {
		return nil, eris.Wrap(detectors.ErrState, "unsupervised: feature importance before fit")
	}
	out := make(map[string]float64, len(d.state.Features))
	for _, f := range d.state.Features {
		out[f] = 1 / float64(len(d.state.Features))
	}
	return out, nil
}

// Save writes the fitted state to path.
func (d *Detector) Save(path string) (err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == nil {
		return eris.Wrap(detectors.ErrState, "unsupervised: save before fit")
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d.state); err != nil {
		return eris.Wrap(err, "unsupervised: encode state")
	}

	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "unsupervised: create %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrapf(cerr, "unsupervised: close %s", path)
		}
	}()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return eris.Wrapf(err, "unsupervised: write %s", path)
	}
	return nil
}

// Load replaces the fitted state with the one stored at path.
func (d *Detector) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(detectors.ErrState, "unsupervised: state file %s does not exist", path)
	}
	if err != nil {
		return eris.Wrapf(detectors.ErrState, "unsupervised: open %s: %v", path, err)
	}
	defer f.Close()

	var state State
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return eris.Wrapf(detectors.ErrState, "unsupervised: decode %s: %v", path, err)
	}
	n := len(state.Features)
	if n == 0 || len(state.Mean) != n || len(state.Scale) != n {
		return eris.Wrapf(detectors.ErrState, "unsupervised: %s holds an inconsistent feature set", path)
	}
	if state.ScorerName != d.scorer.Name() {
		return eris.Wrapf(detectors.ErrState, "unsupervised: %s was fitted by %q, not %q", path, state.ScorerName, d.scorer.Name())
	}

	model, err := d.scorer.Restore(state.Model)
	if err != nil {
		return eris.Wrapf(detectors.ErrState, "unsupervised: restore model from %s: %v", path, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.state, d.model = &state, model
	return nil
}

// column extracts metric values with fill in place of missing ones. ok is
// false when no record carries a present value.
func column(records []health.Record, metric string, fill float64) ([]float64, bool) {
	col := make([]float64, len(records))
	var ok bool
	for i, r := range records {
		if v, present := r.Metric(metric); present {
			col[i] = v
			ok = true
		} else {
			col[i] = fill
		}
	}
	return col, ok
}

// impute replaces NaN entries with the mean of the others.
func impute(col []float64) {
	var sum float64
	var n int
	for _, v := range col {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 || n == len(col) {
		return
	}
	mean := sum / float64(n)
	for i, v := range col {
		if math.IsNaN(v) {
			col[i] = mean
		}
	}
}

func standardize(columns [][]float64, state *State) [][]float64 {
	n := 0
	if len(columns) > 0 {
		n = len(columns[0])
	}
	matrix := make([][]float64, n)
	for i := range matrix {
		row := make([]float64, len(columns))
		for j, col := range columns {
			row[j] = (col[i] - state.Mean[j]) / state.Scale[j]
		}
		matrix[i] = row
	}
	return matrix
}
