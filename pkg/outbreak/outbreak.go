// Package outbreak groups anomalous records into candidate disease outbreaks
// by location and fixed time bucket.
package outbreak

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/health"
)

// Defaults for cluster detection.
const (
	DefaultWindow         = 7 * 24 * time.Hour
	DefaultMinClusterSize = 3
	// topContributors is the number of explanatory features kept per cluster.
	topContributors = 3
)

// MaxScore caps cluster ensemble scores.
const MaxScore = 10.0

// namespace seeds deterministic cluster IDs.
var namespace = uuid.MustParse("6f1c2b7e-3d44-4f0a-9a51-8c0e2d7b9e13")

// Cluster is a candidate outbreak: a location and time bucket holding enough
// distinct anomalous entities.
type Cluster struct {
	ID               string        `json:"id"`
	LocationID       string        `json:"location_id"`
	Start            time.Time     `json:"start"`
	End              time.Time     `json:"end"`
	AffectedEntities int           `json:"affected_entity_count"`
	AvgScore         float64       `json:"avg_anomaly_score"`
	EnsembleScore    float64       `json:"ensemble_score"`
	Categories       []string      `json:"categories_involved"`
	Metrics          []string      `json:"metrics_contributing"`
	Methods          health.Method `json:"detection_methods_involved"`
	TopContributors  []string      `json:"top_contributors,omitempty"`
	Severity         Severity      `json:"severity"`
}

// Config controls bucketing and the minimum cluster size.
type Config struct {
	Window         time.Duration
	MinClusterSize int
}

// DefaultConfig returns the default cluster configuration.
func DefaultConfig() Config {
	return Config{
		Window:         DefaultWindow,
		MinClusterSize: DefaultMinClusterSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return eris.Wrapf(detectors.ErrInput, "outbreak: time window %s must be positive", c.Window)
	}
	if c.MinClusterSize < 1 {
		return eris.Wrapf(detectors.ErrInput, "outbreak: min cluster size %d must be at least 1", c.MinClusterSize)
	}
	return nil
}

// Detector finds clusters in detection results.
type Detector struct {
	cfg Config
}

// New creates a Detector.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// MinClusterSize returns the configured minimum distinct entity count.
func (d *Detector) MinClusterSize() int {
	return d.cfg.MinClusterSize
}

// Source selects which flag and score of a result drive clustering.
type Source struct {
	Name    string
	Flagged func(r *health.Result) bool
	Score   func(r *health.Result) float64
	Methods func(r *health.Result) health.Method
}

// Sources over the fused and the per-detector outputs.
var (
	Combined = Source{
		Name:    "combined",
		Flagged: func(r *health.Result) bool { return r.IsAnomaly },
		Score:   func(r *health.Result) float64 { return r.AnomalyScore },
		Methods: func(r *health.Result) health.Method { return r.Methods },
	}
	Statistical = Source{
		Name:    "statistical",
		Flagged: func(r *health.Result) bool { return r.StatisticalAnomaly },
		Score:   func(r *health.Result) float64 { return r.StatisticalNorm },
		Methods: func(*health.Result) health.Method { return health.MethodStatistical },
	}
	Unsupervised = Source{
		Name:    "unsupervised",
		Flagged: func(r *health.Result) bool { return r.UnsupervisedAnomaly },
		Score:   func(r *health.Result) float64 { return r.UnsupervisedScore },
		Methods: func(*health.Result) health.Method { return health.MethodUnsupervised },
	}
)

// Detect clusters rows flagged by any detector.
func (d *Detector) Detect(results []health.Result) []Cluster {
	return d.DetectBy(results, Combined)
}

type key struct {
	location string
	bucket   int64
}

type accumulator struct {
	entities      map[string]struct{}
	categories    map[string]struct{}
	metrics       map[string]struct{}
	methods       health.Method
	scoreSum      float64
	rows          int
	contributions map[string]float64
}

// DetectBy clusters the rows src flags. Clusters are ordered by start time,
// then location.
func (d *Detector) DetectBy(results []health.Result, src Source) []Cluster {
	groups := make(map[key]*accumulator)
	for i := range results {
		r := &results[i]
		if !src.Flagged(r) {
			continue
		}
		k := key{r.LocationID, bucketIndex(r.Timestamp, d.cfg.Window)}
		acc, ok := groups[k]
		if !ok {
			acc = &accumulator{
				entities:      make(map[string]struct{}),
				categories:    make(map[string]struct{}),
				metrics:       make(map[string]struct{}),
				contributions: make(map[string]float64),
			}
			groups[k] = acc
		}

		acc.entities[r.EntityID] = struct{}{}
		if r.Category != "" {
			acc.categories[r.Category] = struct{}{}
		}
		for m, fired := range r.MetricFlags {
			if fired {
				acc.metrics[m] = struct{}{}
			}
		}
		for f, c := range r.Contributions {
			acc.contributions[f] += c
		}
		acc.methods |= src.Methods(r)
		acc.scoreSum += src.Score(r)
		acc.rows++
	}

	var clusters []Cluster
	for k, acc := range groups {
		if len(acc.entities) < d.cfg.MinClusterSize {
			continue
		}
		start := time.Unix(0, k.bucket*int64(d.cfg.Window)).UTC()
		c := Cluster{
			LocationID:       k.location,
			Start:            start,
			End:              start.Add(d.cfg.Window),
			AffectedEntities: len(acc.entities),
			AvgScore:         acc.scoreSum / float64(acc.rows),
			Categories:       sortedKeys(acc.categories),
			Metrics:          sortedKeys(acc.metrics),
			Methods:          acc.methods,
			TopContributors:  top(acc.contributions, topContributors),
		}
		c.EnsembleScore = ensembleScore(c.AvgScore, c.Methods)
		c.Severity = SeverityFor(c.AffectedEntities, c.AvgScore)
		c.ID = clusterID(c.LocationID, c.Start, c.End)
		clusters = append(clusters, c)
	}
	sortClusters(clusters)
	return clusters
}

// Merge combines cluster lists found by different detectors. Clusters with
// the same location, start and end become one: the entity count is the max
// across sources, the score the mean of the source averages, and the
// category, metric and method sets are unioned. Top contributors are ranked
// by their summed positions across sources. Severity and the ensemble score
// are recomputed and clusters below minSize are dropped.
func Merge(minSize int, lists ...[]Cluster) []Cluster {
	type mkey struct {
		location   string
		start, end int64
	}
	type merged struct {
		c        Cluster
		scoreSum float64
		n        int
		cats     map[string]struct{}
		metrics  map[string]struct{}
		rank     map[string]float64
	}

	var order []mkey
	groups := make(map[mkey]*merged)
	for _, list := range lists {
		for _, c := range list {
			k := mkey{c.LocationID, c.Start.UnixNano(), c.End.UnixNano()}
			m, ok := groups[k]
			if !ok {
				m = &merged{
					c:       Cluster{LocationID: c.LocationID, Start: c.Start, End: c.End},
					cats:    make(map[string]struct{}),
					metrics: make(map[string]struct{}),
					rank:    make(map[string]float64),
				}
				groups[k] = m
				order = append(order, k)
			}
			m.c.AffectedEntities = max(m.c.AffectedEntities, c.AffectedEntities)
			m.c.Methods |= c.Methods
			m.scoreSum += c.AvgScore
			m.n++
			for _, v := range c.Categories {
				m.cats[v] = struct{}{}
			}
			for _, v := range c.Metrics {
				m.metrics[v] = struct{}{}
			}
			// First place earns topContributors points, last place one.
			for i, f := range c.TopContributors {
				m.rank[f] += float64(max(topContributors-i, 1))
			}
		}
	}

	var out []Cluster
	for _, k := range order {
		m := groups[k]
		if m.c.AffectedEntities < minSize {
			continue
		}
		c := m.c
		c.AvgScore = m.scoreSum / float64(m.n)
		c.Categories = sortedKeys(m.cats)
		c.Metrics = sortedKeys(m.metrics)
		c.TopContributors = top(m.rank, topContributors)
		c.EnsembleScore = ensembleScore(c.AvgScore, c.Methods)
		c.Severity = SeverityFor(c.AffectedEntities, c.AvgScore)
		c.ID = clusterID(c.LocationID, c.Start, c.End)
		out = append(out, c)
	}
	sortClusters(out)
	return out
}

// Bucket returns the start of the fixed-width window holding t. Windows are
// aligned to the Unix epoch, not to the data.
func Bucket(t time.Time, window time.Duration) time.Time {
	return time.Unix(0, bucketIndex(t, window)*int64(window)).UTC()
}

func bucketIndex(t time.Time, window time.Duration) int64 {
	n, w := t.UnixNano(), int64(window)
	q := n / w
	if n%w != 0 && n < 0 {
		q--
	}
	return q
}

// ParseWindow parses a bucket width. Besides Go durations ("168h") it
// accepts a count of days or weeks ("7D", "2w"); a bare number means days.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.Wrap(detectors.ErrInput, "outbreak: empty time window")
	}

	unit, num := 24*time.Hour, s
	switch s[len(s)-1] {
	case 'D', 'd':
		num = s[:len(s)-1]
	case 'W', 'w':
		unit, num = 7*24*time.Hour, s[:len(s)-1]
	}

	var w time.Duration
	if n, err := strconv.ParseInt(num, 10, 64); err == nil {
		w = time.Duration(n) * unit
	} else if d, err := time.ParseDuration(s); err == nil {
		w = d
	} else {
		return 0, eris.Wrapf(detectors.ErrInput, "outbreak: invalid time window %q", s)
	}
	if w <= 0 {
		return 0, eris.Wrapf(detectors.ErrInput, "outbreak: time window %q must be positive", s)
	}
	return w, nil
}

func clusterID(location string, start, end time.Time) string {
	name := location + "|" + start.Format(time.RFC3339Nano) + "|" + end.Format(time.RFC3339Nano)
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

func sortClusters(cs []Cluster) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Start.Equal(cs[j].Start) {
			return cs[i].Start.Before(cs[j].Start)
		}
		return cs[i].LocationID < cs[j].LocationID
	})
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// top returns up to n names with the largest totals, ties broken by name.
func top(totals map[string]float64, n int) []string {
	names := make([]string, 0, len(totals))
	for k := range totals {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if totals[names[i]] != totals[names[j]] {
			return totals[names[i]] > totals[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	if len(names) == 0 {
		return nil
	}
	return names
}

// ensembleScore weights the average score by the number of detectors that
// contributed, two being full weight, and caps it at MaxScore.
func ensembleScore(avg float64, methods health.Method) float64 {
	return min(MaxScore, avg*float64(len(methods.Names()))/2)
}
