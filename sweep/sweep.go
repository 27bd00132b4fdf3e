// Package sweep runs the scheduled re-check: rescore every active listing,
// pick the due ones and health-check them, one queue per host.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/health"
	"github.com/aluiziolira/go-realty-radar/ingest"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/priority"
	"github.com/aluiziolira/go-realty-radar/ratelimit"
	"github.com/aluiziolira/go-realty-radar/storage"
)

// Checker classifies one listing page.
type Checker interface {
	Check(ctx context.Context, t health.Target) health.Result
}

// Sweeper drives one sweep at a time; Run is not meant to overlap itself.
type Sweeper struct {
	cfg     *config.Config
	repo    storage.Repository
	checker Checker
	writer  *ingest.Writer
	scorer  *priority.Scorer
	limiter ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a sweeper. logger may be nil.
func New(cfg *config.Config, repo storage.Repository, checker Checker, writer *ingest.Writer, limiter ratelimit.Limiter, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:     cfg,
		repo:    repo,
		checker: checker,
		writer:  writer,
		scorer:  priority.NewScorer(priority.DefaultWeights()),
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// Run checks up to batch due listings. Results are written as they arrive,
// so a cancelled sweep keeps everything already checked.
func (s *Sweeper) Run(ctx context.Context, batch int) (*models.SweepReport, error) {
	start := s.now()
	report := &models.SweepReport{StartedAt: start}
	if batch <= 0 {
		batch = s.cfg.SweepBatchSize
	}

	candidates, err := s.rescore(ctx, start)
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)

	due := s.selectDue(candidates, batch, start)
	report.Due = len(due)

	byHost := make(map[string][]*models.Listing)
	var hosts []string
	for _, l := range due {
		host := hostOf(l.URL)
		if _, ok := byHost[host]; !ok {
			hosts = append(hosts, host)
		}
		byHost[host] = append(byHost[host], l)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		queue := byHost[host]
		g.Go(func() error {
			for _, l := range queue {
				if err := s.limiter.Wait(gctx, host); err != nil {
					return err
				}
				res := s.checker.Check(gctx, health.TargetFor(l))
				_, err := s.writer.ApplyHealth(gctx, l, res)

				mu.Lock()
				tally(report, res, err)
				mu.Unlock()

				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					s.logger.Error("apply health result failed",
						slog.Int64("listing_id", l.ID),
						slog.Any("error", err),
					)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	report.Duration = s.now().Sub(start)
	s.logger.Info("sweep finished",
		slog.Int("candidates", report.Candidates),
		slog.Int("due", report.Due),
		slog.Int("checked", report.Checked),
		slog.Int("removed", report.Removed),
		slog.Int("price_changed", report.PriceChanged),
		slog.Int("inconclusive", report.Inconclusive),
		slog.Duration("duration", report.Duration),
	)
	return report, err
}

// rescore recomputes and persists every active listing's priority.
func (s *Sweeper) rescore(ctx context.Context, now time.Time) ([]*models.Listing, error) {
	listings, err := s.repo.ActiveCandidates(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	scores := make(map[int64]int, len(listings))
	for _, l := range listings {
		history, err := s.repo.PriceHistory(ctx, l.ID)
		if err != nil {
			return nil, fmt.Errorf("price history %d: %w", l.ID, err)
		}
		signals := priority.SignalsFrom(l, history, s.republishes(l.Source))
		l.PriorityScore = s.scorer.Score(signals, now)
		scores[l.ID] = l.PriorityScore
	}
	if err := s.repo.SetPriorityScores(ctx, scores); err != nil {
		return nil, fmt.Errorf("store priority scores: %w", err)
	}
	return listings, nil
}

// selectDue orders by score, least recently checked first on ties, and keeps
// at most batch due listings.
func (s *Sweeper) selectDue(listings []*models.Listing, batch int, now time.Time) []*models.Listing {
	sort.SliceStable(listings, func(i, j int) bool {
		a, b := listings[i], listings[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		return checkedBefore(a.LastCheckedAt, b.LastCheckedAt)
	})
	var due []*models.Listing
	for _, l := range listings {
		if len(due) >= batch {
			break
		}
		if priority.IsDue(l, l.PriorityScore, now) {
			due = append(due, l)
		}
	}
	return due
}

func (s *Sweeper) republishes(source string) bool {
	src, ok := s.cfg.Source(source)
	return ok && src.RepublishesOften
}

func tally(r *models.SweepReport, res health.Result, err error) {
	r.Checked++
	if err != nil {
		r.Errors++
		return
	}
	switch res.Outcome {
	case health.Unchanged:
		r.Unchanged++
	case health.PriceChanged:
		r.PriceChanged++
	case health.Inactive:
		r.Removed++
	case health.Inconclusive:
		r.Inconclusive++
	}
}

func checkedBefore(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	}
	return a.Before(*b)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
