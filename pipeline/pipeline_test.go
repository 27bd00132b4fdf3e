package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
)

type mockSink struct {
	mu      sync.Mutex
	batches [][]*models.ExtractedListing
	closed  bool
	err     error
}

func (ms *mockSink) Write(_ context.Context, batch []*models.ExtractedListing) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.err != nil {
		return ms.err
	}
	copyBatch := make([]*models.ExtractedListing, len(batch))
	copy(copyBatch, batch)
	ms.batches = append(ms.batches, copyBatch)
	return nil
}

func (ms *mockSink) Close() error {
	ms.mu.Lock()
	ms.closed = true
	ms.mu.Unlock()
	return nil
}

func (ms *mockSink) totalWritten() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	total := 0
	for _, batch := range ms.batches {
		total += len(batch)
	}
	return total
}

func (ms *mockSink) batchSizes() []int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	sizes := make([]int, 0, len(ms.batches))
	for _, batch := range ms.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

type blockingSink struct {
	blockCh chan struct{}
}

func (bs *blockingSink) Write(context.Context, []*models.ExtractedListing) error {
	<-bs.blockCh
	return nil
}

func (bs *blockingSink) Close() error {
	return nil
}

func listing(id string) *models.ExtractedListing {
	return &models.ExtractedListing{
		Source:     "reality",
		ExternalID: models.Some(id),
		URL:        "https://reality.test/byt-" + id,
		Title:      "2-izbový byt",
		Price:      120000,
		Area:       55,
		Kind:       models.KindSale,
		City:       "Bratislava",
		ScrapedAt:  time.Now(),
	}
}

func TestPipelineProcessValidationAndDedup(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &mockSink{}
	p := NewPipeline(context.Background(), sink, cfg)
	p.Start(1)

	valid := listing("1001")
	invalid := listing("1002")
	invalid.Price = 5
	duplicate := listing("1001")
	duplicate.Title = "Same offer seen on a later page"

	if err := p.Process(valid, invalid, duplicate); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := sink.totalWritten(); got != 1 {
		t.Fatalf("written listings = %d, want 1", got)
	}

	metrics := p.GetMetrics()
	validation, ok := metrics["validation_errors"].(map[string]int)
	if !ok {
		t.Fatalf("expected validation errors map")
	}
	if validation["invalid_record"] == 0 {
		t.Fatalf("expected invalid_record validation error")
	}
	if validation["duplicate_listing"] == 0 {
		t.Fatalf("expected duplicate_listing validation error")
	}
	if p.Processed() != 1 {
		t.Fatalf("processed = %d, want 1", p.Processed())
	}
}

func TestPipelineBatchFlushThreshold(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 64
	sink := &mockSink{}
	p := NewPipeline(context.Background(), sink, cfg)
	p.Start(1)

	for i := 0; i < 65; i++ {
		if err := p.Process(listing(strconv.Itoa(i))); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sizes := sink.batchSizes()
	if len(sizes) != 2 {
		t.Fatalf("batch writes = %d, want 2", len(sizes))
	}
	if sizes[0] != 64 || sizes[1] != 1 {
		t.Fatalf("batch sizes = %v, want [64 1]", sizes)
	}
}

func TestPipelineCloseDrainsPendingItems(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &mockSink{}
	p := NewPipeline(context.Background(), sink, cfg)
	p.Start(2)

	for i := 0; i < 100; i++ {
		if err := p.Process(listing(strconv.Itoa(i + 200))); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := sink.totalWritten(); got != 100 {
		t.Fatalf("written listings = %d, want 100", got)
	}
	if sink.closed {
		t.Fatalf("pipeline must not close the sink it does not own")
	}
}

func TestPipelineDedupeAcrossWorkers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 1
	sink := &mockSink{}
	p := NewPipeline(context.Background(), sink, cfg)
	p.Start(4)

	for i := 0; i < 50; i++ {
		if err := p.Process(listing("same")); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := sink.totalWritten(); got != 1 {
		t.Fatalf("written listings = %d, want 1", got)
	}
}

func TestPipelineSinkErrorStopsProcessing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 1
	sinkErr := errors.New("disk full")
	p := NewPipeline(context.Background(), &mockSink{err: sinkErr}, cfg)
	p.Start(1)

	_ = p.Process(listing("1"))
	err := p.Close()
	if !errors.Is(err, sinkErr) {
		t.Fatalf("close error = %v, want wrapped sink error", err)
	}
	if err := p.Process(listing("2")); err == nil {
		t.Fatalf("process after failure should error")
	}
}

func TestPipelineCloseTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 1

	sink := &blockingSink{blockCh: make(chan struct{})}
	p := NewPipeline(context.Background(), sink, cfg)
	p.Start(1)

	if err := p.Process(listing("blocked")); err != nil {
		t.Fatalf("process: %v", err)
	}

	previousTimeout := drainTimeout
	drainTimeout = 25 * time.Millisecond
	t.Cleanup(func() {
		drainTimeout = previousTimeout
		close(sink.blockCh)
	})

	if err := p.Close(); err == nil || !errors.Is(err, ErrPipelineCloseTimeout) {
		t.Fatalf("expected close timeout error, got %v", err)
	}
}
