package ensemble

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/detectors/iforest"
	"github.com/hed1ad/herdguard/pkg/detectors/statistical"
	"github.com/hed1ad/herdguard/pkg/detectors/unsupervised"
	"github.com/hed1ad/herdguard/pkg/health"
	"github.com/hed1ad/herdguard/pkg/outbreak"
)

var day0 = time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)

// herd builds entities x days of steady vitals; sick entities run a fever
// during the last three days.
func herd(entities, days, sick int) []health.Record {
	rng := rand.New(rand.NewSource(int64(entities*100 + days)))
	var records []health.Record
	for d := 0; d < days; d++ {
		for e := 0; e < entities; e++ {
			temp := 38.5 + 0.1*rng.NormFloat64()
			hr := 70 + 2*rng.NormFloat64()
			act := 1 + 0.05*rng.NormFloat64()
			if e < sick && d >= days-3 {
				temp, hr, act = temp*1.1, hr*1.15, act*0.7
			}
			records = append(records, health.Record{
				EntityID:   fmt.Sprintf("cow-%02d", e),
				LocationID: "farm-1",
				Category:   "cattle",
				Timestamp:  day0.AddDate(0, 0, d),
				Values: map[string]health.Value{
					health.Temperature:   health.Some(temp),
					health.HeartRate:     health.Some(hr),
					health.ActivityLevel: health.Some(act),
				},
			})
		}
	}
	return records
}

func newCombiner(t *testing.T, opts ...Option) *Combiner {
	t.Helper()
	stat, err := statistical.New(statistical.WithThreshold(2.0))
	require.NoError(t, err)
	base := []Option{
		WithStatistical(stat),
		WithScorer(iforest.New(iforest.WithTrees(50), iforest.WithSeed(42))),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr error
	}{
		{name: "defaults"},
		{name: "custom weights", opts: []Option{WithWeights(Weights{Statistical: 1, Unsupervised: 1})}},
		{name: "negative weight", opts: []Option{WithWeights(Weights{Statistical: -0.1, Unsupervised: 1})}, wantErr: detectors.ErrInput},
		{name: "nan weight", opts: []Option{WithWeights(Weights{Statistical: math.NaN()})}, wantErr: detectors.ErrInput},
		{name: "unfitted pretrained", opts: []Option{WithPretrained(unsupervised.New())}, wantErr: detectors.ErrState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.opts...)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestDetectInvariants(t *testing.T) {
	records := herd(12, 20, 4)
	results, err := newCombiner(t).Detect(records, health.DefaultMetrics)
	require.NoError(t, err)
	require.Len(t, results, len(records))

	var flaggedAny bool
	for i, r := range results {
		assert.Equal(t, r.StatisticalAnomaly || r.UnsupervisedAnomaly || r.EnsembleAnomaly, r.IsAnomaly, "row %d", i)
		assert.Equal(t, r.EnsembleScore >= Threshold, r.EnsembleAnomaly, "row %d", i)
		assert.False(t, math.IsNaN(r.AnomalyScore))
		assert.GreaterOrEqual(t, r.AnomalyScore, 0.0)
		assert.LessOrEqual(t, r.AnomalyScore, unsupervised.MaxScore)
		assert.InDelta(t, math.Max(r.StatisticalNorm, math.Max(r.UnsupervisedScore, r.EnsembleScore)), r.AnomalyScore, 1e-12)
		assert.Equal(t, r.StatisticalAnomaly, r.Methods.Has(health.MethodStatistical))
		assert.Equal(t, r.UnsupervisedAnomaly, r.Methods.Has(health.MethodUnsupervised))
		assert.Equal(t, r.EnsembleAnomaly, r.Methods.Has(health.MethodEnsemble))
		assert.Equal(t, records[i].EntityID, r.EntityID)
		flaggedAny = flaggedAny || r.IsAnomaly
	}
	assert.True(t, flaggedAny)

	// The sick animals stand out on their last day.
	last := results[len(results)-12:]
	for e := 0; e < 4; e++ {
		assert.True(t, last[e].IsAnomaly, "entity %d", e)
	}
}

func TestStatisticalOnlyWeights(t *testing.T) {
	c := newCombiner(t, WithWeights(Weights{Statistical: 1, Unsupervised: 0}))
	results, err := c.Detect(herd(8, 15, 2), health.DefaultMetrics)
	require.NoError(t, err)

	var top float64
	for _, r := range results {
		assert.InDelta(t, r.StatisticalNorm, r.EnsembleScore, 1e-9)
		top = math.Max(top, r.StatisticalNorm)
	}
	assert.InDelta(t, unsupervised.MaxScore, top, 1e-9)
}

func TestOversizedWeightsStayInRange(t *testing.T) {
	c := newCombiner(t, WithWeights(Weights{Statistical: 3, Unsupervised: 3}))
	results, err := c.Detect(herd(8, 15, 2), health.DefaultMetrics)
	require.NoError(t, err)
	for _, r := range results {
		assert.LessOrEqual(t, r.AnomalyScore, unsupervised.MaxScore)
	}
}

func TestAllNullMetric(t *testing.T) {
	records := herd(6, 12, 0)
	for i := range records {
		if records[i].EntityID == "cow-00" {
			records[i].Values[health.HeartRate] = health.Null()
		}
	}

	results, err := newCombiner(t).Detect(records, health.DefaultMetrics)
	require.NoError(t, err)
	for _, r := range results {
		if r.EntityID == "cow-00" {
			assert.False(t, r.MetricFlags[health.HeartRate])
			assert.True(t, math.IsNaN(r.ZScores[health.HeartRate]))
		}
	}
}

func TestDetectEmpty(t *testing.T) {
	results, err := newCombiner(t).Detect(nil, health.DefaultMetrics)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDetectNoFeatures(t *testing.T) {
	_, err := newCombiner(t).Detect(herd(3, 3, 0), []string{"weight"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, detectors.ErrInput))
}

func TestPretrained(t *testing.T) {
	u := unsupervised.New(unsupervised.WithScorer(iforest.New(iforest.WithTrees(50), iforest.WithSeed(42))))
	require.NoError(t, u.Fit(herd(10, 20, 0), health.DefaultMetrics))

	path := filepath.Join(t.TempDir(), "state.gob")
	require.NoError(t, u.Save(path))
	loaded := unsupervised.New()
	require.NoError(t, loaded.Load(path))

	c := newCombiner(t, WithPretrained(loaded))
	batch := herd(10, 8, 3)
	results, err := c.Detect(batch, health.DefaultMetrics)
	require.NoError(t, err)

	last := results[len(results)-10:]
	for e := 0; e < 3; e++ {
		assert.True(t, last[e].UnsupervisedAnomaly, "entity %d", e)
	}
}

func TestDeterministic(t *testing.T) {
	records := herd(10, 15, 3)
	c := newCombiner(t)

	a, err := c.Detect(records, health.DefaultMetrics)
	require.NoError(t, err)
	b, err := c.Detect(records, health.DefaultMetrics)
	require.NoError(t, err)

	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].AnomalyScore, b[i].AnomalyScore)
		assert.Equal(t, a[i].UnsupervisedDecision, b[i].UnsupervisedDecision)
		assert.Equal(t, a[i].Methods, b[i].Methods)
		for m, z := range a[i].ZScores {
			assert.Equal(t, math.Float64bits(z), math.Float64bits(b[i].ZScores[m]))
		}
	}
}

func TestClusters(t *testing.T) {
	records := herd(12, 20, 5)
	c := newCombiner(t)
	results, err := c.Detect(records, health.DefaultMetrics)
	require.NoError(t, err)

	od, err := outbreak.New(outbreak.Config{Window: outbreak.DefaultWindow, MinClusterSize: 3})
	require.NoError(t, err)

	merged := c.Clusters(results, od)
	require.NotEmpty(t, merged)
	for _, cl := range merged {
		assert.GreaterOrEqual(t, cl.AffectedEntities, 3)
		stat := od.DetectBy(results, outbreak.Statistical)
		unsup := od.DetectBy(results, outbreak.Unsupervised)
		for _, src := range append(stat, unsup...) {
			if src.ID == cl.ID {
				assert.GreaterOrEqual(t, cl.AffectedEntities, src.AffectedEntities)
			}
		}
	}
}
