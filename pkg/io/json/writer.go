// Package json exports outbreak clusters as JSON documents.
package json

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"

	hgio "github.com/hed1ad/herdguard/pkg/io"
	"github.com/hed1ad/herdguard/pkg/outbreak"
	"github.com/hed1ad/herdguard/pkg/pipeline"
)

// Document is the exported report summary.
type Document struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Records     int                `json:"records"`
	Anomalies   int                `json:"anomalies"`
	ByMethod    map[string]int     `json:"anomalies_by_method"`
	Metrics     []string           `json:"metrics"`
	Clusters    []outbreak.Cluster `json:"clusters"`
}

// Writer writes one Document per report.
type Writer struct {
	closer io.Closer
	enc    *json.Encoder
	now    func() time.Time
}

var _ hgio.Writer = (*Writer)(nil)

// Option configures a Writer.
type Option func(*Writer)

// WithIndent pretty-prints the output.
func WithIndent(indent string) Option {
	return func(w *Writer) {
		w.enc.SetIndent("", indent)
	}
}

// WithClock overrides the generated_at source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// NewWriter creates filename, truncating it if it exists.
func NewWriter(filename string, opts ...Option) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "json: create %s", filename)
	}
	w := ToWriter(file, opts...)
	w.closer = file
	return w, nil
}

// ToWriter writes to dst. Close does not close dst.
func ToWriter(dst io.Writer, opts ...Option) *Writer {
	w := &Writer{enc: json.NewEncoder(dst), now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write encodes the report summary and its clusters.
func (w *Writer) Write(report *pipeline.Report) error {
	doc := Document{
		GeneratedAt: w.now().UTC(),
		Records:     len(report.Results),
		ByMethod:    make(map[string]int),
		Metrics:     report.Metrics,
		Clusters:    report.Clusters,
	}
	if doc.Clusters == nil {
		doc.Clusters = []outbreak.Cluster{}
	}
	for _, r := range report.Results {
		if r.IsAnomaly {
			doc.Anomalies++
		}
		for _, name := range r.Methods.Names() {
			doc.ByMethod[name]++
		}
	}
	return eris.Wrap(w.enc.Encode(doc), "json: encode report")
}

// Close releases resources.
func (w *Writer) Close() error {
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// ReadClusters decodes the clusters of a Document.
func ReadClusters(src io.Reader) ([]outbreak.Cluster, error) {
	var doc Document
	if err := json.NewDecoder(src).Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "json: decode report")
	}
	return doc.Clusters, nil
}
