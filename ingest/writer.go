// Package ingest is the single write path for listings: crawl results and
// health-check results both go through Writer so that history, fingerprints
// and match edges stay consistent.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-realty-radar/events"
	"github.com/aluiziolira/go-realty-radar/health"
	"github.com/aluiziolira/go-realty-radar/identity"
	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/storage"
)

// Outcome is the effect of ingesting one record.
type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// Writer upserts listings and keeps derived data in step.
type Writer struct {
	repo      storage.Repository
	resolver  *identity.Resolver
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	locks     *keyedMutex
	now       func() time.Time
}

// NewWriter builds a writer. publisher and logger may be nil.
func NewWriter(repo storage.Repository, resolver *identity.Resolver, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Writer{
		repo:      repo,
		resolver:  resolver,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

// Ingest upserts one extracted record. Re-ingesting an unchanged record
// touches only last-seen and adds no history or match rows.
func (w *Writer) Ingest(ctx context.Context, rec *models.ExtractedListing) (Outcome, error) {
	unlock := w.locks.Lock(rec.Key())
	defer unlock()

	now := w.now()
	existing, err := w.repo.FindListingByKey(ctx, rec.Source, rec.ExternalID, rec.URL)
	if errors.Is(err, storage.ErrNotFound) {
		return w.create(ctx, rec, now)
	}
	if err != nil {
		return "", fmt.Errorf("find listing %s: %w", rec.Key(), err)
	}
	return w.update(ctx, existing, rec, now)
}

func (w *Writer) create(ctx context.Context, rec *models.ExtractedListing, now time.Time) (Outcome, error) {
	l := models.NewListing(rec, now)
	if _, err := w.repo.UpsertListing(ctx, l); err != nil {
		return "", err
	}
	if err := w.appendHistory(ctx, l, now); err != nil {
		return "", err
	}
	if err := w.reindex(ctx, l); err != nil {
		return "", err
	}
	w.metrics.IncListing(string(Created))
	return Created, nil
}

func (w *Writer) update(ctx context.Context, l *models.Listing, rec *models.ExtractedListing, now time.Time) (Outcome, error) {
	oldPrice := l.Price
	identityChanged := l.IdentityChanged(rec)
	descriptive := l.Title != rec.Title || l.Kind != rec.Kind || l.URL != rec.URL ||
		(rec.Description != "" && rec.Description != l.Description) ||
		(rec.PhotoCount > 0 && rec.PhotoCount != l.PhotoCount)
	relisted := l.Status.Terminal()

	l.Apply(rec, now)
	if relisted {
		w.logger.Info("listing relisted",
			slog.Int64("listing_id", l.ID),
			slog.String("previous_status", string(l.Status)),
			slog.String("url", l.URL),
		)
		l.Status = models.StatusActive
		l.RemovalReason = models.ReasonNone
		l.ConsecutiveFailures = 0
	}
	if _, err := w.repo.UpsertListing(ctx, l); err != nil {
		return "", err
	}

	priceChanged := l.Price != oldPrice
	if priceChanged {
		if err := w.priceChanged(ctx, l, oldPrice, now); err != nil {
			return "", err
		}
	}
	if identityChanged {
		if err := w.reindex(ctx, l); err != nil {
			return "", err
		}
	}

	outcome := Unchanged
	if priceChanged || identityChanged || descriptive || relisted {
		outcome = Updated
	}
	w.metrics.IncListing(string(outcome))
	return outcome, nil
}

// ApplyHealth records a health-check result on the current stored state of
// l and returns the updated listing. Only Inactive changes status;
// Inconclusive only bumps the failure counter.
func (w *Writer) ApplyHealth(ctx context.Context, l *models.Listing, res health.Result) (*models.Listing, error) {
	unlock := w.locks.Lock(l.Key())
	defer unlock()

	cur, err := w.repo.GetListing(ctx, l.ID)
	if err != nil {
		return nil, fmt.Errorf("reload listing %d: %w", l.ID, err)
	}
	now := w.now()
	cur.RecordCheck(now)

	switch res.Outcome {
	case health.Unchanged:
		cur.ConsecutiveFailures = 0
	case health.PriceChanged:
		cur.ConsecutiveFailures = 0
		if res.NewPrice != cur.Price {
			oldPrice := cur.Price
			cur.SetPrice(res.NewPrice)
			if err := w.priceChanged(ctx, cur, oldPrice, now); err != nil {
				return nil, err
			}
		}
	case health.Inactive:
		cur.ConsecutiveFailures = 0
		cur.Status = models.StatusRemoved
		cur.RemovalReason = res.Reason
		w.logger.Info("listing removed",
			slog.Int64("listing_id", cur.ID),
			slog.String("reason", string(res.Reason)),
			slog.String("note", res.Note),
		)
	case health.Inconclusive:
		cur.ConsecutiveFailures++
	}

	if err := w.repo.UpdateListingState(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func (w *Writer) priceChanged(ctx context.Context, l *models.Listing, oldPrice int64, now time.Time) error {
	if err := w.appendHistory(ctx, l, now); err != nil {
		return err
	}
	w.metrics.IncPriceChange()
	if l.Price >= oldPrice {
		return nil
	}
	drop := events.PriceDrop{
		ListingID:  l.ID,
		Source:     l.Source,
		URL:        l.URL,
		OldPrice:   oldPrice,
		NewPrice:   l.Price,
		RecordedAt: now,
	}
	if err := w.publisher.PublishPriceDrop(ctx, drop); err != nil {
		// The history row is the record of truth; a lost notification is logged.
		w.logger.Warn("publish price drop failed",
			slog.Int64("listing_id", l.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

func (w *Writer) appendHistory(ctx context.Context, l *models.Listing, now time.Time) error {
	entry := &models.PriceHistoryEntry{
		ListingID:    l.ID,
		Price:        l.Price,
		PricePerArea: l.PricePerArea,
		RecordedAt:   now,
	}
	if err := w.repo.AppendPriceHistory(ctx, entry); err != nil {
		return fmt.Errorf("append price history %d: %w", l.ID, err)
	}
	return nil
}

// reindex recomputes the fingerprint and resolves identity. Resolution
// failures are logged: the listing itself is already stored.
func (w *Writer) reindex(ctx context.Context, l *models.Listing) error {
	fp := identity.Compute(l)
	if err := w.repo.UpsertFingerprint(ctx, fp); err != nil {
		return fmt.Errorf("upsert fingerprint %d: %w", l.ID, err)
	}
	if w.resolver == nil {
		return nil
	}
	if _, err := w.resolver.Resolve(ctx, l, fp); err != nil {
		w.logger.Warn("identity resolution failed",
			slog.Int64("listing_id", l.ID),
			slog.Any("error", err),
		)
	}
	return nil
}
