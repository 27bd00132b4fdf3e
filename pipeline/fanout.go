package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-realty-radar/models"
)

// FanoutSink writes every batch to several sinks in order, e.g. the
// ingestion writer followed by a file export.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink skips nil sinks.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	f := &FanoutSink{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// NewDualWriter exports to CSV and JSONL at once.
func NewDualWriter(csvFilename, jsonFilename string) (*FanoutSink, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV writer: %w", err)
	}

	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("failed to create JSON writer: %w", err)
	}

	return NewFanoutSink(csvWriter, jsonWriter), nil
}

// Write stops at the first failing sink.
func (f *FanoutSink) Write(ctx context.Context, batch []*models.ExtractedListing) error {
	for i, s := range f.sinks {
		if err := s.Write(ctx, batch); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (f *FanoutSink) Close() error {
	var errs []error
	for i, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink %d close: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
