package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/herdguard/pkg/detectors"
)

func TestExtremes(t *testing.T) {
	ranges := DefaultNormalRanges()

	tests := []struct {
		name     string
		category string
		values   map[string]Value
		want     []string
	}{
		{"normal", "cattle", map[string]Value{Temperature: Some(38.5), HeartRate: Some(60)}, nil},
		{"bounds are inclusive", "cattle", map[string]Value{Temperature: Some(39.0), HeartRate: Some(48)}, nil},
		{"fever", "cattle", map[string]Value{Temperature: Some(40.2), HeartRate: Some(60)}, []string{Temperature}},
		{"both", "cattle", map[string]Value{Temperature: Some(37.1), HeartRate: Some(95)}, []string{HeartRate, Temperature}},
		{"per species", "goat", map[string]Value{Temperature: Some(40.2)}, nil},
		{"no heart range for goats", "goat", map[string]Value{HeartRate: Some(200)}, nil},
		{"unknown category", "llama", map[string]Value{Temperature: Some(45)}, nil},
		{"missing value", "cattle", map[string]Value{Temperature: Null()}, nil},
		{"activity is not range checked", "cattle", map[string]Value{ActivityLevel: Some(9)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Record{EntityID: "a", LocationID: "f1", Category: tt.category, Timestamp: day0, Values: tt.values}
			assert.Equal(t, tt.want, ranges.Extremes(r))
		})
	}
}

func TestNormalRangesValidate(t *testing.T) {
	require.NoError(t, DefaultNormalRanges().Validate())

	bad := NormalRanges{Temperature: {"cattle": {Min: 40, Max: 38}}}
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, detectors.ErrInput))
}

func TestClipBelow(t *testing.T) {
	r := Record{Values: map[string]Value{ActivityLevel: Some(0.02), Temperature: Null()}}

	clipped := r.ClipBelow(ActivityLevel, 0.1)
	v, _ := clipped.Metric(ActivityLevel)
	assert.Equal(t, 0.1, v)
	v, _ = r.Metric(ActivityLevel)
	assert.Equal(t, 0.02, v, "input is not mutated")

	same := r.ClipBelow(Temperature, 0.1)
	_, ok := same.Metric(Temperature)
	assert.False(t, ok, "missing stays missing")

	high := Record{Values: map[string]Value{ActivityLevel: Some(0.8)}}
	v, _ = high.ClipBelow(ActivityLevel, 0.1).Metric(ActivityLevel)
	assert.Equal(t, 0.8, v)
}
