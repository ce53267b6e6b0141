package health

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/hed1ad/herdguard/pkg/detectors"
)

// Batch is the in-memory table handed to one detection call.
type Batch struct {
	Records []Record
}

// Len returns the number of records.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Validate checks the identity columns and (entity_id, timestamp) uniqueness.
func (b *Batch) Validate() error {
	type key struct {
		entity string
		ts     int64
	}
	seen := make(map[key]struct{}, b.Len())
	for i, r := range b.Records {
		switch {
		case r.EntityID == "":
			return eris.Wrapf(detectors.ErrInput, "record %d: missing entity_id", i)
		case r.LocationID == "":
			return eris.Wrapf(detectors.ErrInput, "record %d: missing location_id", i)
		case r.Timestamp.IsZero():
			return eris.Wrapf(detectors.ErrInput, "record %d: missing timestamp", i)
		}
		k := key{r.EntityID, r.Timestamp.UnixNano()}
		if _, dup := seen[k]; dup {
			return eris.Wrapf(detectors.ErrInput, "record %d: duplicate entity %q at %s",
				i, r.EntityID, r.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		}
		seen[k] = struct{}{}
	}
	return nil
}

// MetricNames returns the sorted names of metrics that appear as columns in
// the batch, whether or not any value is present.
func (b *Batch) MetricNames() []string {
	set := make(map[string]struct{})
	for _, r := range b.Records {
		for name := range r.Values {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the wanted metrics that exist as columns in the batch,
// preserving the order of wanted.
func (b *Batch) Select(wanted []string) []string {
	present := make(map[string]struct{})
	for _, name := range b.MetricNames() {
		present[name] = struct{}{}
	}
	var out []string
	for _, name := range wanted {
		if _, ok := present[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Partition is the subset of a batch sharing one location. Indices point
// back into the parent batch.
type Partition struct {
	LocationID string
	Indices    []int
	Records    []Record
}

// PartitionByLocation splits the batch by location_id, ordered by location.
func (b *Batch) PartitionByLocation() []Partition {
	byLoc := make(map[string]*Partition)
	for i, r := range b.Records {
		p, ok := byLoc[r.LocationID]
		if !ok {
			p = &Partition{LocationID: r.LocationID}
			byLoc[r.LocationID] = p
		}
		p.Indices = append(p.Indices, i)
		p.Records = append(p.Records, r)
	}
	out := make([]Partition, 0, len(byLoc))
	for _, p := range byLoc {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out
}
