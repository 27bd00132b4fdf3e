// Package health re-fetches known listings and classifies what it finds.
// It never waits between checks; callers own the request spacing.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/fetcher"
	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
)

// Outcome classifies one health check.
type Outcome int

const (
	Unchanged Outcome = iota
	PriceChanged
	Inactive
	Inconclusive
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case PriceChanged:
		return "price_changed"
	case Inactive:
		return "inactive"
	case Inconclusive:
		return "inconclusive"
	default:
		return "unknown"
	}
}

// Target identifies the listing to check.
type Target struct {
	ListingID int64
	Source    string
	URL       string
	Price     int64
}

// TargetFor builds a target from a tracked listing.
func TargetFor(l *models.Listing) Target {
	return Target{ListingID: l.ID, Source: l.Source, URL: l.URL, Price: l.Price}
}

// Result is the classified outcome. NewPrice is set only for PriceChanged,
// Reason only for Inactive. Note explains Inconclusive and Inactive results.
type Result struct {
	Outcome   Outcome
	OldPrice  int64
	NewPrice  int64
	Reason    models.RemovalReason
	Note      string
	Status    int
	ErrorType string
}

// Checker classifies listing pages.
type Checker struct {
	cfg       *config.Config
	fetchers  *fetcher.Pool
	extractor *parser.Extractor
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewChecker builds a checker. logger may be nil.
func NewChecker(cfg *config.Config, fetchers *fetcher.Pool, extractor *parser.Extractor, m *metrics.Metrics, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:       cfg,
		fetchers:  fetchers,
		extractor: extractor,
		metrics:   m,
		logger:    logger,
	}
}

// Check fetches the target page once. Only a 404 or a removal phrase on a
// successfully fetched page yields Inactive; every other failure is
// Inconclusive so transient trouble never flips a listing's status.
func (c *Checker) Check(ctx context.Context, t Target) Result {
	res := c.check(ctx, t)
	c.metrics.IncHealth(res.Outcome.String())
	c.logger.Debug("health check",
		slog.Int64("listing_id", t.ListingID),
		slog.String("url", t.URL),
		slog.String("outcome", res.Outcome.String()),
		slog.String("note", res.Note),
	)
	return res
}

func (c *Checker) check(ctx context.Context, t Target) Result {
	out := Result{Outcome: Inconclusive, OldPrice: t.Price}

	src, ok := c.cfg.Source(t.Source)
	if !ok {
		// A renamed source keeps its host.
		src, ok = c.cfg.SourceForURL(t.URL)
	}
	if !ok {
		out.Note = fmt.Sprintf("unknown source %q", t.Source)
		out.ErrorType = "config"
		return out
	}

	page := c.fetchers.For(src.Name).Fetch(ctx, t.URL)
	out.Status = page.Status
	switch {
	case page.NotFound():
		out.Outcome = Inactive
		out.Reason = models.ReasonUnknown
		out.Note = "listing page returned 404"
		return out
	case !page.OK():
		out.ErrorType = page.ErrorType()
		out.Note = fmt.Sprintf("fetch failed (%s): %v", page.Kind, page.Err)
		return out
	}

	if phrase, found := c.extractor.RemovalPhrase(src, page.Body); found {
		out.Outcome = Inactive
		out.Reason = models.ReasonSold
		out.Note = "removal phrase: " + phrase
		return out
	}

	price, err := c.extractor.DetailPrice(src, page.Body)
	if err != nil {
		out.ErrorType = parser.ErrorType(err)
		if errors.Is(err, parser.ErrNoPrice) {
			out.Note = "price not found on page"
		} else {
			out.Note = fmt.Sprintf("price unreadable: %v", err)
		}
		return out
	}

	if price == t.Price {
		out.Outcome = Unchanged
		return out
	}
	out.Outcome = PriceChanged
	out.NewPrice = price
	return out
}
