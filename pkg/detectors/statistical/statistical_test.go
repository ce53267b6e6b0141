package statistical

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/health"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(entity string, metric string, values ...float64) []health.Record {
	out := make([]health.Record, len(values))
	for i, v := range values {
		val := health.Some(v)
		out[i] = health.Record{
			EntityID:   entity,
			LocationID: "farm-1",
			Timestamp:  day0.AddDate(0, 0, i),
			Values:     map[string]health.Value{metric: val},
		}
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{name: "defaults"},
		{name: "custom", opts: []Option{WithWindowSize(14), WithThreshold(2.5)}},
		{name: "zero window", opts: []Option{WithWindowSize(0)}, wantErr: true},
		{name: "negative threshold", opts: []Option{WithThreshold(-1)}, wantErr: true},
		{name: "nan threshold", opts: []Option{WithThreshold(math.NaN())}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, detectors.ErrInput))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, d)
		})
	}
}

func TestZScores(t *testing.T) {
	d, err := New(WithWindowSize(3))
	require.NoError(t, err)

	values := []health.Value{
		health.Some(1), health.Some(2), health.Some(3), health.Null(), health.Some(3), health.Some(3),
	}
	z := d.ZScores(values)

	// A single observation has no spread.
	assert.True(t, math.IsNaN(z[0]))
	// [1 2]: mean 1.5, sample std 0.7071
	assert.InDelta(t, 0.7071, z[1], 1e-4)
	// [1 2 3]: mean 2, std 1
	assert.InDelta(t, 1.0, z[2], 1e-9)
	// Missing values are never scored.
	assert.True(t, math.IsNaN(z[3]))
	// Window [3 _ 3] is constant once the gap is skipped.
	assert.True(t, math.IsNaN(z[4]))
	assert.True(t, math.IsNaN(z[5]))
}

func TestConstantSeriesNeverFlagged(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	records := series("cow-1", health.Temperature, 38.5, 38.5, 38.5, 38.5, 38.5, 38.5, 38.5, 38.5, 38.5)
	rows := d.Detect(records, []string{health.Temperature})

	for _, row := range rows {
		assert.True(t, math.IsNaN(row.ZScores[health.Temperature]))
		assert.False(t, row.Flags[health.Temperature])
		assert.False(t, row.IsAnomaly)
		assert.Zero(t, row.Score)
	}
}

func TestDetectSpike(t *testing.T) {
	d, err := New(WithThreshold(2.0))
	require.NoError(t, err)

	records := series("cow-1", health.Temperature, 38.6, 38.5, 38.6, 38.5, 38.6, 38.5, 45.0)
	rows := d.Detect(records, []string{health.Temperature})

	last := rows[len(rows)-1]
	assert.InDelta(t, 2.267, last.ZScores[health.Temperature], 1e-3)
	assert.True(t, last.Flags[health.Temperature])
	assert.True(t, last.IsAnomaly)
	assert.InDelta(t, last.ZScores[health.Temperature], last.Score, 1e-12)

	for _, row := range rows[:len(rows)-1] {
		assert.False(t, row.IsAnomaly)
	}
}

func TestDetectPerEntity(t *testing.T) {
	d, err := New(WithThreshold(2.0))
	require.NoError(t, err)

	// Interleave two entities; cow-2's high baseline must not leak into cow-1.
	a := series("cow-1", health.Temperature, 38.5, 38.6, 38.5, 38.6)
	b := series("cow-2", health.Temperature, 41.0, 41.1, 41.0, 41.1)
	var records []health.Record
	for i := range a {
		records = append(records, a[i], b[i])
	}

	rows := d.Detect(records, []string{health.Temperature})
	for i, row := range rows {
		assert.False(t, row.IsAnomaly, "row %d", i)
		assert.Less(t, row.Score, 1.5, "row %d", i)
	}
}

func TestAllNullColumnDoesNotAffectOtherMetrics(t *testing.T) {
	d, err := New(WithThreshold(2.0))
	require.NoError(t, err)

	records := series("cow-1", health.Temperature, 38.6, 38.5, 38.6, 38.5, 38.6, 38.5, 45.0)
	for i := range records {
		records[i].Values[health.HeartRate] = health.Null()
	}

	rows := d.Detect(records, []string{health.Temperature, health.HeartRate})
	for _, row := range rows {
		assert.True(t, math.IsNaN(row.ZScores[health.HeartRate]))
		assert.False(t, row.Flags[health.HeartRate])
	}
	assert.True(t, rows[len(rows)-1].IsAnomaly)
	assert.True(t, rows[len(rows)-1].Flags[health.Temperature])
}

func TestDetectEmpty(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	assert.Empty(t, d.Detect(nil, health.DefaultMetrics))
}
