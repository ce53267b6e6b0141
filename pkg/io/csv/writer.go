package csv

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cast"

	hgio "github.com/hed1ad/herdguard/pkg/io"
	"github.com/hed1ad/herdguard/pkg/pipeline"
)

// Writer writes the augmented result table: identity columns, raw metrics,
// {metric}_zscore, {metric}_anomaly, is_anomaly, anomaly_score,
// detection_method and extreme_metrics.
type Writer struct {
	closer io.Closer
	writer *csv.Writer
}

var _ hgio.Writer = (*Writer)(nil)

// NewWriter creates filename, truncating it if it exists.
func NewWriter(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: create %s", filename)
	}
	w := ToWriter(file)
	w.closer = file
	return w, nil
}

// ToWriter writes CSV to dst. Close does not close dst.
func ToWriter(dst io.Writer) *Writer {
	return &Writer{writer: csv.NewWriter(dst)}
}

// Write outputs a header and one row per result.
func (w *Writer) Write(report *pipeline.Report) error {
	header := []string{ColEntity, ColTimestamp, ColLocation, ColCategory}
	header = append(header, report.Metrics...)
	for _, m := range report.Metrics {
		header = append(header, m+"_zscore", m+"_anomaly")
	}
	header = append(header, "is_anomaly", "anomaly_score", "detection_method", "extreme_metrics")
	if err := w.writer.Write(header); err != nil {
		return eris.Wrap(err, "csv: write header")
	}

	for _, r := range report.Results {
		row := []string{r.EntityID, r.Timestamp.Format(time.RFC3339), r.LocationID, r.Category}
		for _, m := range report.Metrics {
			if v, ok := r.Metric(m); ok {
				row = append(row, cast.ToString(v))
			} else {
				row = append(row, "")
			}
		}
		for _, m := range report.Metrics {
			z, ok := r.ZScores[m]
			if !ok || math.IsNaN(z) {
				row = append(row, "")
			} else {
				row = append(row, cast.ToString(z))
			}
			row = append(row, cast.ToString(r.MetricFlags[m]))
		}
		row = append(row, cast.ToString(r.IsAnomaly), cast.ToString(r.AnomalyScore), r.Methods.String(),
			strings.Join(r.Extremes, "+"))

		if err := w.writer.Write(row); err != nil {
			return eris.Wrapf(err, "csv: write %s", r.EntityID)
		}
	}
	w.writer.Flush()
	return eris.Wrap(w.writer.Error(), "csv: flush")
}

// Close flushes and releases resources.
func (w *Writer) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return eris.Wrap(err, "csv: flush")
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
