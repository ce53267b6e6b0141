// Package seasonal removes periodic patterns from per-entity metric series
// and flags outliers in what remains.
package seasonal

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/health"
)

// Model selects how the components combine.
type Model int

const (
	// Additive: observed = trend + seasonal + residual.
	Additive Model = iota
	// Multiplicative: observed = trend * seasonal * residual.
	Multiplicative
)

func (m Model) String() string {
	if m == Multiplicative {
		return "multiplicative"
	}
	return "additive"
}

// ParseModel accepts "additive" or "multiplicative".
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "additive":
		return Additive, nil
	case "multiplicative":
		return Multiplicative, nil
	}
	return Additive, eris.Wrapf(detectors.ErrInput, "seasonal: unknown model %q", s)
}

// Adjuster decomposes regularly spaced series with a fixed period.
type Adjuster struct {
	period    int
	model     Model
	threshold float64
	step      time.Duration
}

// Option configures an Adjuster.
type Option func(*Adjuster)

// WithModel sets the decomposition model.
func WithModel(m Model) Option {
	return func(a *Adjuster) { a.model = m }
}

// WithThreshold sets the residual z-score threshold.
func WithThreshold(z float64) Option {
	return func(a *Adjuster) { a.threshold = z }
}

// WithStep sets the spacing of the regular grid series are resampled onto.
func WithStep(d time.Duration) Option {
	return func(a *Adjuster) { a.step = d }
}

// New creates an Adjuster for the given period, in steps.
func New(period int, opts ...Option) (*Adjuster, error) {
	a := &Adjuster{
		period:    period,
		model:     Additive,
		threshold: 3.0,
		step:      24 * time.Hour,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.period < 2 {
		return nil, eris.Wrapf(detectors.ErrInput, "seasonal: period %d must be at least 2", a.period)
	}
	if !(a.threshold > 0) {
		return nil, eris.Wrapf(detectors.ErrInput, "seasonal: threshold %v must be positive", a.threshold)
	}
	if a.step <= 0 {
		return nil, eris.Wrapf(detectors.ErrInput, "seasonal: step %s must be positive", a.step)
	}
	return a, nil
}

// Point is one observation of a series.
type Point struct {
	Timestamp time.Time
	Value     health.Value
}

// Decomposition is the outcome for one series on its regular grid.
type Decomposition struct {
	Timestamps []time.Time
	Observed   []float64
	Trend      []float64
	Seasonal   []float64
	Residual   []float64
	// Adjusted is the observed series with the seasonal component removed.
	Adjusted []float64
	ZScores  []float64
	Flags    []bool
	// Decomposed is false when the series was too short; Adjusted then
	// equals Observed and nothing is flagged.
	Decomposed bool
}

// Decompose resamples the points onto the regular grid, fills gaps forward
// then backward, and splits the series into components.
func (a *Adjuster) Decompose(points []Point) (*Decomposition, error) {
	ts, observed, ok := a.regularize(points)
	d := &Decomposition{
		Timestamps: ts,
		Observed:   observed,
		Adjusted:   append([]float64(nil), observed...),
		ZScores:    make([]float64, len(observed)),
		Flags:      make([]bool, len(observed)),
	}
	for i := range d.ZScores {
		d.ZScores[i] = math.NaN()
	}
	var count int
	for _, p := range points {
		if p.Value.Valid {
			count++
		}
	}
	// Several points can share a grid cell, so the grid length gates too.
	if !ok || count < 2*a.period || len(observed) < 2*a.period {
		return d, nil
	}

	if a.model == Multiplicative {
		for _, v := range observed {
			if v <= 0 {
				return nil, eris.Wrap(detectors.ErrInput, "seasonal: multiplicative model requires positive values")
			}
		}
	}

	trend := movingAverage(observed, a.period)
	extrapolate(trend, a.period)

	detrended := make([]float64, len(observed))
	for i := range observed {
		if a.model == Multiplicative {
			detrended[i] = observed[i] / trend[i]
		} else {
			detrended[i] = observed[i] - trend[i]
		}
	}

	averages := make([]float64, a.period)
	for p := range averages {
		var phase []float64
		for i := p; i < len(detrended); i += a.period {
			phase = append(phase, detrended[i])
		}
		averages[p] = stat.Mean(phase, nil)
	}
	center := stat.Mean(averages, nil)
	for p := range averages {
		if a.model == Multiplicative {
			averages[p] /= center
		} else {
			averages[p] -= center
		}
	}

	seasonal := make([]float64, len(observed))
	residual := make([]float64, len(observed))
	adjusted := make([]float64, len(observed))
	for i := range observed {
		s := averages[i%a.period]
		seasonal[i] = s
		if a.model == Multiplicative {
			residual[i] = observed[i] / (trend[i] * s)
			adjusted[i] = observed[i] / s
		} else {
			residual[i] = observed[i] - trend[i] - s
			adjusted[i] = observed[i] - s
		}
		if !finite(trend[i]) || !finite(s) || !finite(adjusted[i]) {
			return d, nil
		}
	}
	d.Trend, d.Seasonal, d.Residual, d.Adjusted = trend, seasonal, residual, adjusted

	mean, std := stat.MeanStdDev(d.Residual, nil)
	if std > 0 && !math.IsNaN(std) {
		for i, r := range d.Residual {
			z := (r - mean) / std
			d.ZScores[i] = z
			d.Flags[i] = math.Abs(z) > a.threshold
		}
	}
	d.Decomposed = true
	return d, nil
}

// regularize places points on a grid of a.step from the first to the last
// timestamp and fills missing cells forward then backward. ok is false when
// no point carries a value.
func (a *Adjuster) regularize(points []Point) ([]time.Time, []float64, bool) {
	if len(points) == 0 {
		return nil, nil, false
	}
	sorted := append([]Point(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	start := sorted[0].Timestamp
	n := int(sorted[len(sorted)-1].Timestamp.Sub(start)/a.step) + 1
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = start.Add(time.Duration(i) * a.step)
	}

	values := make([]float64, n)
	valid := make([]bool, n)
	for _, p := range sorted {
		if !p.Value.Valid {
			continue
		}
		i := a.slot(start, p.Timestamp)
		values[i] = p.Value.Float
		valid[i] = true
	}

	first := -1
	for i := range values {
		if valid[i] {
			if first < 0 {
				first = i
			}
			continue
		}
		if i > 0 && valid[i-1] {
			values[i] = values[i-1]
			valid[i] = true
		}
	}
	if first < 0 {
		return ts, values, false
	}
	for i := 0; i < first; i++ {
		values[i] = values[first]
	}
	return ts, values, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (a *Adjuster) slot(start, t time.Time) int {
	return int(t.Sub(start) / a.step)
}

// movingAverage returns the centered moving average of x with NaN where the
// window does not fit. Even periods use a 2xP filter with half weights at
// both ends.
func movingAverage(x []float64, period int) []float64 {
	weights := make([]float64, period)
	for i := range weights {
		weights[i] = 1 / float64(period)
	}
	if period%2 == 0 {
		weights = make([]float64, period+1)
		for i := range weights {
			weights[i] = 1 / float64(period)
		}
		weights[0] /= 2
		weights[period] /= 2
	}

	half := len(weights) / 2
	out := make([]float64, len(x))
	for i := range x {
		if i < half || i+half >= len(x) {
			out[i] = math.NaN()
			continue
		}
		var sum float64
		for k, w := range weights {
			sum += w * x[i-half+k]
		}
		out[i] = sum
	}
	return out
}

// extrapolate fills the NaN ends of trend with least-squares lines fitted to
// the first and last n defined points.
func extrapolate(trend []float64, n int) {
	first, last := -1, -1
	for i, v := range trend {
		if !math.IsNaN(v) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return
	}

	fit := func(from, to int) (alpha, beta float64) {
		xs := make([]float64, 0, to-from)
		ys := make([]float64, 0, to-from)
		for i := from; i < to; i++ {
			xs = append(xs, float64(i))
			ys = append(ys, trend[i])
		}
		if len(xs) < 2 {
			return ys[0], 0
		}
		return stat.LinearRegression(xs, ys, nil, false)
	}

	alpha, beta := fit(first, min(first+n, last+1))
	for i := 0; i < first; i++ {
		trend[i] = alpha + beta*float64(i)
	}
	alpha, beta = fit(max(last+1-n, first), last+1)
	for i := last + 1; i < len(trend); i++ {
		trend[i] = alpha + beta*float64(i)
	}
}

// AdjustRecords replaces the named metric of every record with its
// seasonally adjusted value, decomposing each entity independently.
// Missing values stay missing; entities with too little history keep their
// raw values.
func (a *Adjuster) AdjustRecords(records []health.Record, metric string) ([]health.Record, error) {
	out := append([]health.Record(nil), records...)
	for _, idx := range health.EntitySeries(records) {
		points := make([]Point, len(idx))
		for j, i := range idx {
			points[j] = Point{Timestamp: records[i].Timestamp, Value: records[i].Values[metric]}
		}

		d, err := a.Decompose(points)
		if err != nil {
			return nil, eris.Wrapf(err, "seasonal: entity %s", records[idx[0]].EntityID)
		}
		if !d.Decomposed {
			continue
		}

		start := d.Timestamps[0]
		for _, i := range idx {
			if !records[i].Values[metric].Valid {
				continue
			}
			out[i] = records[i].WithValue(metric, health.Some(d.Adjusted[a.slot(start, records[i].Timestamp)]))
		}
	}
	return out, nil
}

// Detect returns the residual flag of each point, aligned with points.
func (a *Adjuster) Detect(points []Point) ([]bool, error) {
	d, err := a.Decompose(points)
	if err != nil {
		return nil, err
	}

	flags := make([]bool, len(points))
	if !d.Decomposed {
		return flags, nil
	}
	start := d.Timestamps[0]
	for i, p := range points {
		flags[i] = p.Value.Valid && d.Flags[a.slot(start, p.Timestamp)]
	}
	return flags, nil
}
