// Package pipeline validates, de-duplicates and batches extracted listings
// on their way to a sink (the ingestion writer, file exporters, or both).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when workers fail to drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

// drainTimeout bounds how long Close waits for in-flight batches.
var drainTimeout = 30 * time.Second

// Sink receives validated batches.
type Sink interface {
	Write(ctx context.Context, batch []*models.ExtractedListing) error
	Close() error
}

// Pipeline coordinates validation, de-duplication and batched writes.
type Pipeline struct {
	ctx       context.Context
	sink      Sink
	recCh     chan *models.ExtractedListing
	batchSize int
	bounds    parser.Bounds
	logger    *slog.Logger

	wg sync.WaitGroup

	seen *lru.Cache[string, struct{}]

	metrics counters

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline sized from cfg.
func NewPipeline(ctx context.Context, sink Sink, cfg *config.Config) *Pipeline {
	bufferSize := cfg.PipelineBufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	dedupeSize := cfg.DedupeMaxSize
	if dedupeSize <= 0 {
		dedupeSize = 50000
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		panic(fmt.Sprintf("pipeline: dedupe cache: %v", err))
	}

	return &Pipeline{
		ctx:       ctx,
		sink:      sink,
		recCh:     make(chan *models.ExtractedListing, bufferSize),
		batchSize: batchSize,
		bounds:    parser.BoundsFrom(cfg),
		logger:    slog.Default(),
		seen:      seen,
		metrics:   counters{validation: make(map[string]int)},
		shutdown:  make(chan struct{}),
	}
}

// WithLogger replaces the default logger.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues records for downstream processing.
func (p *Pipeline) Process(records ...*models.ExtractedListing) error {
	if len(records) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := p.enqueue(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting records and waits up to drainTimeout for workers
// to flush. The sink is not closed; its owner closes it.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.recCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.signalShutdown()
		return ErrPipelineCloseTimeout
	}

	p.signalShutdown()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// Processed returns the number of records handed to the sink.
func (p *Pipeline) Processed() int64 {
	return p.metrics.processedCount()
}

// Rejected returns validation and duplicate counts by kind.
func (p *Pipeline) Rejected() map[string]int {
	return p.metrics.snapshot()["validation_errors"].(map[string]int)
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.logger.Info("pipeline progress",
					slog.Int64("processed", p.Processed()),
					slog.Any("rejected", p.Rejected()),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.ExtractedListing, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.sink.Write(p.ctx, batch); err != nil {
			return err
		}
		batch = make([]*models.ExtractedListing, 0, p.batchSize)
		return nil
	}

	for rec := range p.recCh {
		if !p.accept(rec) {
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) accept(rec *models.ExtractedListing) bool {
	if err := parser.ValidateListing(rec, p.bounds); err != nil {
		p.metrics.addValidation("invalid_record")
		p.logger.Debug("record rejected", slog.String("url", rec.URL), slog.Any("error", err))
		return false
	}

	// ContainsOrAdd is atomic, so two workers never both accept a key.
	if found, _ := p.seen.ContainsOrAdd(rec.Key(), struct{}{}); found {
		p.metrics.addValidation("duplicate_listing")
		return false
	}

	p.metrics.incrementProcessed()
	return true
}

func (p *Pipeline) enqueue(rec *models.ExtractedListing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.recCh <- rec:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type counters struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func (c *counters) incrementProcessed() {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
}

func (c *counters) processedCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

func (c *counters) addValidation(kind string) {
	c.mu.Lock()
	c.validation[kind]++
	c.mu.Unlock()
}

func (c *counters) snapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	copyValidation := make(map[string]int, len(c.validation))
	for k, v := range c.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_listings": c.processed,
		"validation_errors":  copyValidation,
	}
}
