package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
)

// Store is the storage surface the resolver needs.
type Store interface {
	ListingsByFingerprintHash(ctx context.Context, hash string) ([]*models.Listing, error)
	ListingsInAreaRange(ctx context.Context, city string, district models.Optional[string], minArea, maxArea float64) ([]*models.Listing, error)
	InsertMatchIfAbsent(ctx context.Context, m *models.Match) (bool, error)
}

// Resolver links a listing to likely duplicates. It only creates match
// edges; merging listings is left to a reviewer.
type Resolver struct {
	store     Store
	scorer    *Scorer
	threshold int
	tolerance float64
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewResolver builds a resolver from the match configuration.
func NewResolver(store Store, w config.MatchConfig, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		scorer:    NewScorer(w),
		threshold: w.Threshold,
		tolerance: w.AreaTolerance,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Candidates returns listings sharing the exact fingerprint hash plus those
// in the same city and district whose area is within the tolerance. When the
// district is unknown the whole city is searched.
func (r *Resolver) Candidates(ctx context.Context, l *models.Listing, fp models.Fingerprint) ([]*models.Listing, error) {
	seen := map[int64]struct{}{l.ID: {}}
	var out []*models.Listing
	add := func(list []*models.Listing) {
		for _, c := range list {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			out = append(out, c)
		}
	}

	exact, err := r.store.ListingsByFingerprintHash(ctx, fp.Hash)
	if err != nil {
		return nil, fmt.Errorf("fingerprint candidates: %w", err)
	}
	add(exact)

	if l.Area > 0 && l.City != parser.UnknownCity {
		minArea := l.Area * (1 - r.tolerance)
		maxArea := l.Area * (1 + r.tolerance)
		nearby, err := r.store.ListingsInAreaRange(ctx, l.City, l.District, minArea, maxArea)
		if err != nil {
			return nil, fmt.Errorf("area candidates: %w", err)
		}
		add(nearby)
	}
	return out, nil
}

// Resolve scores every candidate and stores an edge for each one at or
// above the threshold. It returns only the edges created by this call, so
// resolving the same listing twice creates nothing the second time.
func (r *Resolver) Resolve(ctx context.Context, l *models.Listing, fp models.Fingerprint) ([]models.Match, error) {
	candidates, err := r.Candidates(ctx, l, fp)
	if err != nil {
		return nil, err
	}

	var created []models.Match
	for _, c := range candidates {
		score, reasons := r.scorer.Score(l, c)
		if score < r.threshold {
			continue
		}
		m := models.NewMatch(l.ID, c.ID, score, reasons, r.now())
		ok, err := r.store.InsertMatchIfAbsent(ctx, &m)
		if err != nil {
			return created, fmt.Errorf("insert match %d-%d: %w", m.PrimaryID, m.MatchedID, err)
		}
		if !ok {
			continue
		}
		r.metrics.IncMatch()
		r.logger.Info("match created",
			slog.Int64("primary_id", m.PrimaryID),
			slog.Int64("matched_id", m.MatchedID),
			slog.Int("score", m.Score),
		)
		created = append(created, m)
	}
	return created, nil
}
