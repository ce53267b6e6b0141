package health

import "strings"

// Method is the set of detectors that independently flagged a record.
type Method uint8

// Detector names, in reporting order.
const (
	MethodStatistical Method = 1 << iota
	MethodUnsupervised
	MethodEnsemble
)

var methodNames = []struct {
	m    Method
	name string
}{
	{MethodStatistical, "statistical"},
	{MethodUnsupervised, "unsupervised"},
	{MethodEnsemble, "ensemble"},
}

// Has reports whether every method in x is set.
func (m Method) Has(x Method) bool {
	return m&x == x
}

// Names returns the detector names in the set.
func (m Method) Names() []string {
	var names []string
	for _, mn := range methodNames {
		if m.Has(mn.m) {
			names = append(names, mn.name)
		}
	}
	return names
}

// String joins the detector names with "+", or returns "none".
func (m Method) String() string {
	names := m.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "+")
}

// ParseMethod reverses Method.String.
func ParseMethod(s string) Method {
	var m Method
	for _, part := range strings.Split(s, "+") {
		for _, mn := range methodNames {
			if strings.TrimSpace(part) == mn.name {
				m |= mn.m
			}
		}
	}
	return m
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(text []byte) error {
	*m = ParseMethod(string(text))
	return nil
}

// Result is the detection outcome for one record.
type Result struct {
	Record

	// ZScores holds the rolling z-score per metric; NaN when undefined.
	ZScores map[string]float64
	// MetricFlags holds the per-metric statistical flag.
	MetricFlags map[string]bool
	// Contributions holds the per-feature explanation proxy in [0,1].
	Contributions map[string]float64

	StatisticalAnomaly bool
	// StatisticalScore is the max absolute z-score, 0 when none is defined.
	StatisticalScore float64
	// StatisticalNorm is StatisticalScore rescaled to [0,10] over the batch.
	StatisticalNorm float64

	UnsupervisedAnomaly  bool
	UnsupervisedDecision float64
	UnsupervisedScore    float64

	EnsembleAnomaly bool
	EnsembleScore   float64

	IsAnomaly    bool
	AnomalyScore float64
	Methods      Method

	// Extremes lists metrics outside the normal range for the category.
	// They are reported alongside detection and do not affect it.
	Extremes []string
}
