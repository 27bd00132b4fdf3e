package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Repository on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Postgres)(nil)

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

var listingColumns = []string{
	"id", "source", "external_id", "url", "title", "description", "price", "price_per_area",
	"area", "rooms", "kind", "city", "district", "street", "photo_count", "watchers",
	"distressed", "first_seen_at", "last_seen_at", "status", "removal_reason",
	"consecutive_failures", "priority_score", "checks_today", "checks_day", "last_checked_at",
}

func selectListings(alias string) string {
	cols := make([]string, len(listingColumns))
	for i, c := range listingColumns {
		if alias != "" {
			c = alias + "." + c
		}
		cols[i] = c
	}
	return "SELECT " + strings.Join(cols, ", ")
}

func scanListing(row pgx.Row) (*models.Listing, error) {
	var (
		l           models.Listing
		externalID  *string
		rooms       *int
		district    *string
		street      *string
		kind        string
		status      string
		reason      string
		checksDay   *time.Time
		lastChecked *time.Time
	)
	err := row.Scan(
		&l.ID, &l.Source, &externalID, &l.URL, &l.Title, &l.Description, &l.Price, &l.PricePerArea,
		&l.Area, &rooms, &kind, &l.City, &district, &street, &l.PhotoCount, &l.Watchers,
		&l.Distressed, &l.FirstSeenAt, &l.LastSeenAt, &status, &reason,
		&l.ConsecutiveFailures, &l.PriorityScore, &l.ChecksToday, &checksDay, &lastChecked,
	)
	if err != nil {
		return nil, err
	}
	l.ExternalID = models.FromPtr(externalID)
	l.Rooms = models.FromPtr(rooms)
	l.District = models.FromPtr(district)
	l.Street = models.FromPtr(street)
	l.Kind = models.ListingKind(kind)
	l.Status = models.ListingStatus(status)
	l.RemovalReason = models.RemovalReason(reason)
	if checksDay != nil {
		l.ChecksDay = *checksDay
	}
	l.LastCheckedAt = lastChecked
	return &l, nil
}

func collectListings(rows pgx.Rows) ([]*models.Listing, error) {
	defer rows.Close()
	var out []*models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) FindListingByKey(ctx context.Context, source string, externalID models.Optional[string], url string) (*models.Listing, error) {
	var row pgx.Row
	if id, ok := externalID.Get(); ok && strings.TrimSpace(id) != "" {
		row = p.pool.QueryRow(ctx, selectListings("")+` FROM listings WHERE source = $1 AND external_id = $2`, source, id)
	} else {
		row = p.pool.QueryRow(ctx, selectListings("")+` FROM listings WHERE source = $1 AND url = $2 AND external_id IS NULL`, source, url)
	}
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find listing: %w", err)
	}
	return l, nil
}

func (p *Postgres) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	l, err := scanListing(p.pool.QueryRow(ctx, selectListings("")+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

const upsertListing = `
	INSERT INTO listings (
		source, external_id, url, title, description, price, price_per_area,
		area, rooms, kind, city, district, street, photo_count, watchers,
		distressed, first_seen_at, last_seen_at, status, removal_reason,
		consecutive_failures, priority_score, checks_today, checks_day, last_checked_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	ON CONFLICT %s DO UPDATE SET
		url = EXCLUDED.url,
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		price = EXCLUDED.price,
		price_per_area = EXCLUDED.price_per_area,
		area = EXCLUDED.area,
		rooms = EXCLUDED.rooms,
		kind = EXCLUDED.kind,
		city = EXCLUDED.city,
		district = EXCLUDED.district,
		street = EXCLUDED.street,
		photo_count = EXCLUDED.photo_count,
		last_seen_at = EXCLUDED.last_seen_at,
		status = EXCLUDED.status,
		removal_reason = EXCLUDED.removal_reason,
		consecutive_failures = EXCLUDED.consecutive_failures
	RETURNING id, (xmax = 0) AS inserted
`

var (
	upsertByExternalID = fmt.Sprintf(upsertListing, "(source, external_id) WHERE external_id IS NOT NULL")
	upsertByURL        = fmt.Sprintf(upsertListing, "(source, url) WHERE external_id IS NULL")
)

func (p *Postgres) UpsertListing(ctx context.Context, l *models.Listing) (bool, error) {
	query := upsertByURL
	if id, ok := l.ExternalID.Get(); ok && strings.TrimSpace(id) != "" {
		query = upsertByExternalID
	}
	var checksDay *time.Time
	if !l.ChecksDay.IsZero() {
		checksDay = &l.ChecksDay
	}

	var inserted bool
	err := p.pool.QueryRow(ctx, query,
		l.Source, l.ExternalID.Ptr(), l.URL, l.Title, l.Description, l.Price, l.PricePerArea,
		l.Area, l.Rooms.Ptr(), string(l.Kind), l.City, l.District.Ptr(), l.Street.Ptr(), l.PhotoCount, l.Watchers,
		l.Distressed, l.FirstSeenAt, l.LastSeenAt, string(l.Status), string(l.RemovalReason),
		l.ConsecutiveFailures, l.PriorityScore, l.ChecksToday, checksDay, l.LastCheckedAt,
	).Scan(&l.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert listing %s: %w", l.Key(), err)
	}
	return inserted, nil
}

func (p *Postgres) UpdateListingState(ctx context.Context, l *models.Listing) error {
	var checksDay *time.Time
	if !l.ChecksDay.IsZero() {
		checksDay = &l.ChecksDay
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE listings SET
			price = $2, price_per_area = $3, status = $4, removal_reason = $5,
			consecutive_failures = $6, priority_score = $7, checks_today = $8,
			checks_day = $9, last_checked_at = $10
		WHERE id = $1`,
		l.ID, l.Price, l.PricePerArea, string(l.Status), string(l.RemovalReason),
		l.ConsecutiveFailures, l.PriorityScore, l.ChecksToday, checksDay, l.LastCheckedAt,
	)
	if err != nil {
		return fmt.Errorf("update listing %d: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetPriorityScores(ctx context.Context, scores map[int64]int) error {
	if len(scores) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, score := range scores {
		batch.Queue(`UPDATE listings SET priority_score = $2 WHERE id = $1`, id, score)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range scores {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("set priority score: %w", err)
		}
	}
	return nil
}

func (p *Postgres) ActiveCandidates(ctx context.Context, limit int) ([]*models.Listing, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := p.pool.Query(ctx, selectListings("")+`
		FROM listings
		WHERE status = 'active'
		ORDER BY priority_score DESC, last_checked_at ASC NULLS FIRST, id
		LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("query active candidates: %w", err)
	}
	return collectListings(rows)
}

func (p *Postgres) AppendPriceHistory(ctx context.Context, e *models.PriceHistoryEntry) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO price_history (listing_id, price, price_per_area, recorded_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		e.ListingID, e.Price, e.PricePerArea, e.RecordedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append price history: %w", err)
	}
	return nil
}

func (p *Postgres) PriceHistory(ctx context.Context, listingID int64) ([]models.PriceHistoryEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, listing_id, price, price_per_area, recorded_at
		FROM price_history
		WHERE listing_id = $1
		ORDER BY recorded_at DESC, id DESC`, listingID)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var out []models.PriceHistoryEntry
	for rows.Next() {
		var e models.PriceHistoryEntry
		if err := rows.Scan(&e.ID, &e.ListingID, &e.Price, &e.PricePerArea, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan price history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertFingerprint(ctx context.Context, fp models.Fingerprint) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO fingerprints (listing_id, normalized_address, location_key, area_bucket, rooms, hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (listing_id) DO UPDATE SET
			normalized_address = EXCLUDED.normalized_address,
			location_key = EXCLUDED.location_key,
			area_bucket = EXCLUDED.area_bucket,
			rooms = EXCLUDED.rooms,
			hash = EXCLUDED.hash`,
		fp.ListingID, fp.NormalizedAddress, fp.LocationKey, fp.AreaBucket, fp.Rooms, fp.Hash,
	)
	if err != nil {
		return fmt.Errorf("upsert fingerprint %d: %w", fp.ListingID, err)
	}
	return nil
}

func (p *Postgres) ListingsByFingerprintHash(ctx context.Context, hash string) ([]*models.Listing, error) {
	rows, err := p.pool.Query(ctx, selectListings("l")+`
		FROM listings l
		JOIN fingerprints f ON f.listing_id = l.id
		WHERE f.hash = $1
		ORDER BY l.id`, hash)
	if err != nil {
		return nil, fmt.Errorf("query by fingerprint: %w", err)
	}
	return collectListings(rows)
}

func (p *Postgres) ListingsInAreaRange(ctx context.Context, city string, district models.Optional[string], minArea, maxArea float64) ([]*models.Listing, error) {
	rows, err := p.pool.Query(ctx, selectListings("")+`
		FROM listings
		WHERE city = $1
		  AND area BETWEEN $2 AND $3
		  AND ($4::text IS NULL OR district = $4::text)
		ORDER BY id`, city, minArea, maxArea, district.Ptr())
	if err != nil {
		return nil, fmt.Errorf("query by area range: %w", err)
	}
	return collectListings(rows)
}

func (p *Postgres) InsertMatchIfAbsent(ctx context.Context, m *models.Match) (bool, error) {
	if m.PrimaryID > m.MatchedID {
		m.PrimaryID, m.MatchedID = m.MatchedID, m.PrimaryID
	}
	reasons := m.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO matches (primary_id, matched_id, score, reasons, confirmed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (primary_id, matched_id) DO NOTHING
		RETURNING id`,
		m.PrimaryID, m.MatchedID, m.Score, reasons, m.Confirmed, m.CreatedAt,
	).Scan(&m.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert match: %w", err)
	}
	return true, nil
}

func (p *Postgres) MatchesFor(ctx context.Context, listingID int64) ([]models.Match, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, primary_id, matched_id, score, reasons, confirmed, created_at
		FROM matches
		WHERE primary_id = $1 OR matched_id = $1
		ORDER BY score DESC, id`, listingID)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []models.Match
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.ID, &m.PrimaryID, &m.MatchedID, &m.Score, &m.Reasons, &m.Confirmed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveRunReport(ctx context.Context, r *models.RunReport) error {
	byType := r.ErrorsByType
	if byType == nil {
		byType = map[string]int{}
	}
	sample := r.ErrorSample
	if sample == nil {
		sample = []string{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO run_reports (
			id, source, status, started_at, duration_ms, page_count, request_count,
			retry_count, found, new_count, updated_count, unchanged, error_count,
			errors_by_type, error_sample
		)
		VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.Source, string(r.Status), r.StartedAt, r.Duration.Milliseconds(), r.PageCount, r.RequestCount,
		r.RetryCount, r.Found, r.New, r.Updated, r.Unchanged, r.ErrorCount,
		byType, sample,
	)
	if err != nil {
		return fmt.Errorf("save run report %s: %w", r.ID, err)
	}
	return nil
}

func (p *Postgres) RunReports(ctx context.Context, source string, limit int) ([]models.RunReport, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, source, status, started_at, duration_ms, page_count, request_count,
			retry_count, found, new_count, updated_count, unchanged, error_count,
			errors_by_type, error_sample
		FROM run_reports
		WHERE ($1 = '' OR source = $1)
		ORDER BY started_at DESC
		LIMIT $2`, source, lim)
	if err != nil {
		return nil, fmt.Errorf("query run reports: %w", err)
	}
	defer rows.Close()

	var out []models.RunReport
	for rows.Next() {
		var (
			r          models.RunReport
			status     string
			durationMs int64
		)
		if err := rows.Scan(&r.ID, &r.Source, &status, &r.StartedAt, &durationMs, &r.PageCount, &r.RequestCount,
			&r.RetryCount, &r.Found, &r.New, &r.Updated, &r.Unchanged, &r.ErrorCount,
			&r.ErrorsByType, &r.ErrorSample); err != nil {
			return nil, fmt.Errorf("scan run report: %w", err)
		}
		r.Status = models.RunStatus(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
