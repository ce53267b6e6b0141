package csv

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/health"
)

const herdCSV = `entity_id,timestamp,location_id,category,temperature,heart_rate,activity_level
cow-1,2024-01-01,farm-1,cattle,38.5,70,1.0
cow-1,2024-01-02,farm-1,cattle,,72,NaN
cow-2,2024-01-01T06:00:00Z,farm-2,sheep,39.1,null,0.8
`

func TestReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herd.csv")
	require.NoError(t, os.WriteFile(path, []byte(herdCSV), 0o600))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{ColEntity, ColTimestamp, ColLocation, ColCategory,
		health.Temperature, health.HeartRate, health.ActivityLevel}, r.Headers())

	batch, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, 3, batch.Len())

	first := batch.Records[0]
	assert.Equal(t, "cow-1", first.EntityID)
	assert.Equal(t, "farm-1", first.LocationID)
	assert.Equal(t, "cattle", first.Category)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first.Timestamp)
	v, ok := first.Metric(health.Temperature)
	assert.True(t, ok)
	assert.Equal(t, 38.5, v)

	second := batch.Records[1]
	_, ok = second.Metric(health.Temperature)
	assert.False(t, ok, "empty cell is missing")
	_, ok = second.Metric(health.ActivityLevel)
	assert.False(t, ok, "NaN is missing")
	assert.Contains(t, second.Values, health.ActivityLevel, "column still exists")

	third := batch.Records[2]
	assert.Equal(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), third.Timestamp)
	_, ok = third.Metric(health.HeartRate)
	assert.False(t, ok)

	require.NoError(t, batch.Validate())
}

func TestReaderAliases(t *testing.T) {
	src := "Tag_ID,date,farm_id,animal_type,temperature\nA1,2024-02-01,F1,goat,39.0\n"
	r, err := FromReader(strings.NewReader(src))
	require.NoError(t, err)

	batch, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())
	rec := batch.Records[0]
	assert.Equal(t, "A1", rec.EntityID)
	assert.Equal(t, "F1", rec.LocationID)
	assert.Equal(t, "goat", rec.Category)
	assert.Equal(t, []string{health.Temperature}, batch.MetricNames())
}

func TestReaderOptions(t *testing.T) {
	src := "entity_id;timestamp;location_id;temperature;weight\nc;2024-01-01;f;38.2;410\n"
	r, err := FromReader(strings.NewReader(src), WithComma(';'), WithMetrics(health.Temperature))
	require.NoError(t, err)

	batch, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{health.Temperature}, batch.MetricNames())
	assert.Empty(t, batch.Records[0].Category)
}

func TestReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "empty", src: ""},
		{name: "missing location", src: "entity_id,timestamp,temperature\nc,2024-01-01,38\n"},
		{name: "bad timestamp", src: "entity_id,timestamp,location_id\nc,yesterday,f\n"},
		{name: "bad number", src: "entity_id,timestamp,location_id,temperature\nc,2024-01-01,f,warm\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := FromReader(strings.NewReader(tt.src))
			if err == nil {
				_, err = r.Read()
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, detectors.ErrInput))
		})
	}

	_, err := NewReader(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
