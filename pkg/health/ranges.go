package health

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/hed1ad/herdguard/pkg/detectors"
)

// Range is an inclusive interval of physiologically normal values.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within r.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// NormalRanges maps metric, then category, to the normal interval.
type NormalRanges map[string]map[string]Range

// DefaultNormalRanges returns reference vitals for common species.
func DefaultNormalRanges() NormalRanges {
	return NormalRanges{
		Temperature: {
			"cattle": {38.0, 39.0},
			"sheep":  {38.5, 40.0},
			"goat":   {38.5, 40.5},
		},
		HeartRate: {
			"cattle": {48, 84},
			"sheep":  {70, 80},
		},
	}
}

// Validate rejects inverted or empty intervals.
func (n NormalRanges) Validate() error {
	for metric, byCategory := range n {
		for category, r := range byCategory {
			if !(r.Min <= r.Max) {
				return eris.Wrapf(detectors.ErrInput, "health: normal range %s/%s [%v, %v] is inverted", metric, category, r.Min, r.Max)
			}
		}
	}
	return nil
}

// Extremes returns the metrics of r that fall outside the normal range for
// its category, sorted by name. Missing values, and metrics or categories
// without a configured range, are never extreme.
func (n NormalRanges) Extremes(r Record) []string {
	var out []string
	for metric, byCategory := range n {
		rng, ok := byCategory[r.Category]
		if !ok {
			continue
		}
		if v, ok := r.Metric(metric); ok && !rng.Contains(v) {
			out = append(out, metric)
		}
	}
	sort.Strings(out)
	return out
}

// ClipBelow returns a copy of r with metric raised to floor when it is
// present and lower. r is returned unchanged otherwise.
func (r Record) ClipBelow(metric string, floor float64) Record {
	v, ok := r.Metric(metric)
	if !ok || v >= floor {
		return r
	}
	return r.WithValue(metric, Some(floor))
}
