package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/herdguard/pkg/detectors"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func rec(entity, loc string, day int, temp float64) Record {
	return Record{
		EntityID:   entity,
		LocationID: loc,
		Category:   "cattle",
		Timestamp:  day0.AddDate(0, 0, day),
		Values:     map[string]Value{Temperature: Some(temp)},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
		wantErr bool
	}{
		{name: "empty batch", records: nil},
		{name: "valid", records: []Record{rec("a", "f1", 0, 38.5), rec("a", "f1", 1, 38.6)}},
		{name: "missing entity", records: []Record{rec("", "f1", 0, 38.5)}, wantErr: true},
		{name: "missing location", records: []Record{rec("a", "", 0, 38.5)}, wantErr: true},
		{
			name:    "missing timestamp",
			records: []Record{{EntityID: "a", LocationID: "f1"}},
			wantErr: true,
		},
		{
			name:    "duplicate entity timestamp",
			records: []Record{rec("a", "f1", 0, 38.5), rec("a", "f2", 0, 38.7)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Batch{Records: tt.records}
			err := b.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, detectors.ErrInput))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSelect(t *testing.T) {
	b := &Batch{Records: []Record{
		rec("a", "f1", 0, 38.5),
		{EntityID: "b", LocationID: "f1", Timestamp: day0, Values: map[string]Value{HeartRate: Null()}},
	}}

	assert.Equal(t, []string{HeartRate, Temperature}, b.MetricNames())
	assert.Equal(t, []string{Temperature, HeartRate}, b.Select(DefaultMetrics))
}

func TestPartitionByLocation(t *testing.T) {
	b := &Batch{Records: []Record{
		rec("a", "f2", 0, 38.5),
		rec("b", "f1", 0, 38.5),
		rec("a", "f2", 1, 38.5),
	}}

	parts := b.PartitionByLocation()
	require.Len(t, parts, 2)
	assert.Equal(t, "f1", parts[0].LocationID)
	assert.Equal(t, []int{1}, parts[0].Indices)
	assert.Equal(t, "f2", parts[1].LocationID)
	assert.Equal(t, []int{0, 2}, parts[1].Indices)
}

func TestEntitySeries(t *testing.T) {
	records := []Record{
		rec("a", "f1", 2, 38.5),
		rec("b", "f1", 0, 38.5),
		rec("a", "f1", 0, 38.5),
		rec("a", "f1", 1, 38.5),
	}

	groups := EntitySeries(records)
	assert.Equal(t, [][]int{{2, 3, 0}, {1}}, groups)
}

func TestMethod(t *testing.T) {
	tests := []struct {
		m    Method
		want string
	}{
		{0, "none"},
		{MethodStatistical, "statistical"},
		{MethodStatistical | MethodEnsemble, "statistical+ensemble"},
		{MethodEnsemble | MethodUnsupervised | MethodStatistical, "statistical+unsupervised+ensemble"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.String())
			assert.Equal(t, tt.m, ParseMethod(tt.want))
		})
	}
}

func TestWithValueCopies(t *testing.T) {
	r := rec("a", "f1", 0, 38.5)
	adj := r.WithValue(Temperature, Some(1))

	v, _ := r.Metric(Temperature)
	assert.Equal(t, 38.5, v)
	v, _ = adj.Metric(Temperature)
	assert.Equal(t, 1.0, v)
}
