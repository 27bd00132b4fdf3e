// Package storage persists listings, their price history, fingerprints,
// match edges and run reports. Memory backs tests and dry runs; Postgres
// backs deployments.
package storage

import (
	"context"
	"errors"

	"github.com/aluiziolira/go-realty-radar/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Repository is the storage contract of the pipeline.
type Repository interface {
	// FindListingByKey looks a listing up by (source, external id) when the
	// external id is known, by (source, url) otherwise.
	FindListingByKey(ctx context.Context, source string, externalID models.Optional[string], url string) (*models.Listing, error)
	GetListing(ctx context.Context, id int64) (*models.Listing, error)
	// UpsertListing inserts or updates by unique key and sets l.ID.
	UpsertListing(ctx context.Context, l *models.Listing) (created bool, err error)
	// UpdateListingState writes price, lifecycle and check-counter fields.
	UpdateListingState(ctx context.Context, l *models.Listing) error
	SetPriorityScores(ctx context.Context, scores map[int64]int) error
	// ActiveCandidates returns active listings ordered by priority score
	// descending, then least recently checked.
	ActiveCandidates(ctx context.Context, limit int) ([]*models.Listing, error)

	AppendPriceHistory(ctx context.Context, e *models.PriceHistoryEntry) error
	// PriceHistory returns entries newest first.
	PriceHistory(ctx context.Context, listingID int64) ([]models.PriceHistoryEntry, error)

	UpsertFingerprint(ctx context.Context, fp models.Fingerprint) error
	ListingsByFingerprintHash(ctx context.Context, hash string) ([]*models.Listing, error)
	// ListingsInAreaRange matches city exactly and district when known.
	ListingsInAreaRange(ctx context.Context, city string, district models.Optional[string], minArea, maxArea float64) ([]*models.Listing, error)

	// InsertMatchIfAbsent stores m unless an edge for the same unordered pair
	// exists. It reports whether a row was created.
	InsertMatchIfAbsent(ctx context.Context, m *models.Match) (bool, error)
	MatchesFor(ctx context.Context, listingID int64) ([]models.Match, error)

	SaveRunReport(ctx context.Context, r *models.RunReport) error
	RunReports(ctx context.Context, source string, limit int) ([]models.RunReport, error)

	Ping(ctx context.Context) error
	Close()
}
