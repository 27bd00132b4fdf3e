package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/pipeline"
)

// Tally counts the outcomes of one run's writes.
type Tally struct {
	New       int
	Updated   int
	Unchanged int
	Errors    int
}

// RunSink feeds pipeline batches into a Writer. A failing record is counted
// and kept in a bounded sample; the batch carries on.
type RunSink struct {
	w          *Writer
	sampleSize int

	mu     sync.Mutex
	tally  Tally
	sample []error
}

var _ pipeline.Sink = (*RunSink)(nil)

// NewRunSink keeps at most sampleSize errors.
func NewRunSink(w *Writer, sampleSize int) *RunSink {
	return &RunSink{w: w, sampleSize: sampleSize}
}

func (s *RunSink) Write(ctx context.Context, batch []*models.ExtractedListing) error {
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := s.w.Ingest(ctx, rec)
		s.record(outcome, rec, err)
	}
	return nil
}

func (s *RunSink) Close() error { return nil }

func (s *RunSink) record(outcome Outcome, rec *models.ExtractedListing, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.tally.Errors++
		if len(s.sample) < s.sampleSize {
			s.sample = append(s.sample, fmt.Errorf("ingest %s: %w", rec.URL, err))
		}
		return
	}
	switch outcome {
	case Created:
		s.tally.New++
	case Updated:
		s.tally.Updated++
	case Unchanged:
		s.tally.Unchanged++
	}
}

// Tally returns the counts so far.
func (s *RunSink) Tally() Tally {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tally
}

// Errors returns the sampled errors.
func (s *RunSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.sample...)
}
