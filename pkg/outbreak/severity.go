package outbreak

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hed1ad/herdguard/pkg/detectors"
)

// Severity grades an outbreak cluster.
type Severity int

// Severity levels in increasing order.
const (
	Low Severity = iota
	Medium
	High
	Critical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

// severityRules are evaluated in order; the first match wins.
var severityRules = []struct {
	level    Severity
	entities int
	score    float64
}{
	{Critical, 10, 7.0},
	{High, 5, 5.0},
	{Medium, 3, 3.0},
}

// SeverityFor grades a cluster by its distinct entity count and average
// anomaly score.
func SeverityFor(entities int, avgScore float64) Severity {
	for _, r := range severityRules {
		if entities >= r.entities || avgScore >= r.score {
			return r.level
		}
	}
	return Low
}

func (s Severity) String() string {
	if s < Low || s > Critical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range severityNames {
		if s == n {
			return Severity(i), nil
		}
	}
	return Low, eris.Wrapf(detectors.ErrInput, "outbreak: unknown severity %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
