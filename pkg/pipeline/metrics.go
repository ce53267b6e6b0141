package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "herdguard"

// Metrics instruments engine runs.
type Metrics struct {
	// Runs counts runs by outcome: success | failed.
	Runs *prometheus.CounterVec
	// Records counts records scored.
	Records prometheus.Counter
	// Anomalies counts flagged records by detector.
	Anomalies *prometheus.CounterVec
	// Clusters counts emitted outbreak clusters by severity.
	Clusters *prometheus.CounterVec
	// Extremes counts values outside their normal range, by metric.
	Extremes *prometheus.CounterVec
	// Duration observes run latency.
	Duration prometheus.Histogram
}

// NewMetrics registers the engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Detection runs by outcome.",
		}, []string{"outcome"}),
		Records: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "records_total",
			Help:      "Records scored.",
		}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "anomalies_total",
			Help:      "Records flagged, by detector.",
		}, []string{"method"}),
		Clusters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "clusters_total",
			Help:      "Outbreak clusters emitted, by severity.",
		}, []string{"severity"}),
		Extremes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "extreme_values_total",
			Help:      "Values outside the normal range for their category, by metric.",
		}, []string{"metric"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Duration of detection runs in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

func (m *Metrics) observe(report *Report, seconds float64, err error) {
	if m == nil {
		return
	}
	m.Duration.Observe(seconds)
	if err != nil {
		m.Runs.WithLabelValues("failed").Inc()
		return
	}
	m.Runs.WithLabelValues("success").Inc()
	m.Records.Add(float64(len(report.Results)))
	for _, r := range report.Results {
		for _, name := range r.Methods.Names() {
			m.Anomalies.WithLabelValues(name).Inc()
		}
		for _, metric := range r.Extremes {
			m.Extremes.WithLabelValues(metric).Inc()
		}
	}
	for _, c := range report.Clusters {
		m.Clusters.WithLabelValues(c.Severity.String()).Inc()
	}
}
