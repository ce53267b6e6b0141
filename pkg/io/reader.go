// Package io provides the input and output collaborators of the detection
// engine.
package io

import (
	"github.com/hed1ad/herdguard/pkg/health"
	"github.com/hed1ad/herdguard/pkg/pipeline"
)

// Reader loads a batch of measurement records.
type Reader interface {
	// Read returns the complete batch.
	Read() (*health.Batch, error)

	// Close releases resources.
	Close() error
}

// Writer exports a detection report.
type Writer interface {
	// Write outputs the report.
	Write(report *pipeline.Report) error

	// Close flushes and releases resources.
	Close() error
}
