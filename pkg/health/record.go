// Package health defines the livestock health measurement records consumed by
// the detection engine and the per-record results it produces.
package health

import (
	"math"
	"sort"
	"time"
)

// Common metric names reported by herd sensors.
const (
	Temperature   = "temperature"
	HeartRate     = "heart_rate"
	ActivityLevel = "activity_level"
)

// DefaultMetrics are the metrics monitored when none are configured.
var DefaultMetrics = []string{Temperature, HeartRate, ActivityLevel}

// Value is an optional metric measurement.
type Value struct {
	Float float64
	Valid bool
}

// Some returns a present measurement. NaN is treated as missing.
func Some(f float64) Value {
	if math.IsNaN(f) {
		return Value{}
	}
	return Value{Float: f, Valid: true}
}

// Null returns a missing measurement.
func Null() Value {
	return Value{}
}

// Record is one entity's measurements at one point in time.
type Record struct {
	EntityID   string
	Timestamp  time.Time
	LocationID string
	Category   string
	Values     map[string]Value
}

// Metric returns the named measurement and whether it is present.
func (r Record) Metric(name string) (float64, bool) {
	v, ok := r.Values[name]
	if !ok || !v.Valid {
		return 0, false
	}
	return v.Float, true
}

// WithValue returns a copy of r with the named metric replaced.
func (r Record) WithValue(name string, v Value) Record {
	values := make(map[string]Value, len(r.Values)+1)
	for k, old := range r.Values {
		values[k] = old
	}
	values[name] = v
	r.Values = values
	return r
}

// EntitySeries groups record indices by entity, each group ordered by
// timestamp. Entities are returned in first-seen order.
func EntitySeries(records []Record) [][]int {
	pos := make(map[string]int)
	var groups [][]int
	for i, r := range records {
		g, ok := pos[r.EntityID]
		if !ok {
			g = len(groups)
			pos[r.EntityID] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool {
			return records[g[a]].Timestamp.Before(records[g[b]].Timestamp)
		})
	}
	return groups
}
