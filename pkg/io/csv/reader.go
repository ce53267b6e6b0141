// Package csv reads measurement tables from and writes detection results to
// CSV files.
package csv

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cast"

	"github.com/hed1ad/herdguard/pkg/detectors"
	"github.com/hed1ad/herdguard/pkg/health"
	hgio "github.com/hed1ad/herdguard/pkg/io"
)

// Identity column names.
const (
	ColEntity    = "entity_id"
	ColTimestamp = "timestamp"
	ColLocation  = "location_id"
	ColCategory  = "category"
)

// aliases maps alternative header names to identity columns.
var aliases = map[string]string{
	"tag_id":      ColEntity,
	"animal_id":   ColEntity,
	"date":        ColTimestamp,
	"farm_id":     ColLocation,
	"animal_type": ColCategory,
	"species":     ColCategory,
}

// nulls are cell values read as missing measurements.
var nulls = map[string]struct{}{
	"":     {},
	"na":   {},
	"nan":  {},
	"null": {},
	"none": {},
}

// Reader reads measurement records from CSV.
type Reader struct {
	closer  io.Closer
	reader  *csv.Reader
	headers []string
	metrics map[string]struct{}
}

var _ hgio.Reader = (*Reader)(nil)

// Option configures a CSV reader.
type Option func(*Reader)

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.reader.Comma = c
	}
}

// WithMetrics restricts the metric columns read. By default every
// non-identity column is a metric.
func WithMetrics(names ...string) Option {
	return func(r *Reader) {
		r.metrics = make(map[string]struct{}, len(names))
		for _, n := range names {
			r.metrics[n] = struct{}{}
		}
	}
}

// NewReader opens filename and reads its header row.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: open %s", filename)
	}

	r, err := FromReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// FromReader reads CSV from src. Close does not close src.
func FromReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{reader: csv.NewReader(src)}
	r.reader.TrimLeadingSpace = true
	for _, opt := range opts {
		opt(r)
	}

	headers, err := r.reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, eris.Wrap(detectors.ErrInput, "csv: missing header row")
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}
	r.headers = make([]string, len(headers))
	for i, h := range headers {
		h = strings.ToLower(strings.TrimSpace(h))
		if canonical, ok := aliases[h]; ok {
			h = canonical
		}
		r.headers[i] = h
	}

	for _, col := range []string{ColEntity, ColTimestamp, ColLocation} {
		if r.index(col) < 0 {
			return nil, eris.Wrapf(detectors.ErrInput, "csv: missing required column %q", col)
		}
	}
	return r, nil
}

// Headers returns the canonical column names.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns every remaining row as a batch. Empty and NaN-like cells are
// missing measurements; any other unparsable cell is an error.
func (r *Reader) Read() (*health.Batch, error) {
	var (
		entity   = r.index(ColEntity)
		ts       = r.index(ColTimestamp)
		location = r.index(ColLocation)
		category = r.index(ColCategory)
	)

	batch := &health.Batch{}
	for line := 2; ; line++ {
		row, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: line %d", line)
		}

		when, err := cast.ToTimeE(strings.TrimSpace(row[ts]))
		if err != nil {
			return nil, eris.Wrapf(detectors.ErrInput, "csv: line %d: invalid timestamp %q", line, row[ts])
		}
		rec := health.Record{
			EntityID:   strings.TrimSpace(row[entity]),
			LocationID: strings.TrimSpace(row[location]),
			Timestamp:  when.UTC(),
			Values:     make(map[string]health.Value),
		}
		if category >= 0 {
			rec.Category = strings.TrimSpace(row[category])
		}

		for i, name := range r.headers {
			if !r.isMetric(name) {
				continue
			}
			v, err := parseValue(row[i])
			if err != nil {
				return nil, eris.Wrapf(detectors.ErrInput, "csv: line %d: column %s: invalid number %q", line, name, row[i])
			}
			rec.Values[name] = v
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) index(col string) int {
	for i, h := range r.headers {
		if h == col {
			return i
		}
	}
	return -1
}

func (r *Reader) isMetric(name string) bool {
	switch name {
	case ColEntity, ColTimestamp, ColLocation, ColCategory:
		return false
	}
	if r.metrics == nil {
		return true
	}
	_, ok := r.metrics[name]
	return ok
}

// parseValue converts a cell to a measurement.
func parseValue(cell string) (health.Value, error) {
	cell = strings.TrimSpace(cell)
	if _, ok := nulls[strings.ToLower(cell)]; ok {
		return health.Null(), nil
	}
	f, err := cast.ToFloat64E(cell)
	if err != nil {
		return health.Null(), err
	}
	return health.Some(f), nil
}
