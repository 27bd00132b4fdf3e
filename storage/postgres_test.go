package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/google/uuid"
)

func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := integrationEnv(t, "POSTGRES_TEST_DSN")
	if err := RunMigrations(dsn); err != nil {
		t.Skipf("Skipping test - migrations failed: %v", err)
	}
	db, err := NewPostgres(testContext(t), dsn)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestPostgresListingLifecycle(t *testing.T) {
	db := newTestPostgres(t)
	ctx := testContext(t)
	suffix := fmt.Sprint(time.Now().UnixNano())

	l := newListing("pg-"+suffix, "EXT-"+suffix, "https://pg.test/"+suffix, 48)
	l.District = models.Some("Ružinov")
	l.Rooms = models.Some(2)

	created, err := db.UpsertListing(ctx, l)
	if err != nil || !created {
		t.Fatalf("insert created=%v err=%v", created, err)
	}
	again := *l
	again.Title = "Byt po rekonštrukcii"
	created, err = db.UpsertListing(ctx, &again)
	if err != nil || created || again.ID != l.ID {
		t.Fatalf("update created=%v id=%d err=%v", created, again.ID, err)
	}

	got, err := db.FindListingByKey(ctx, l.Source, l.ExternalID, "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Title != "Byt po rekonštrukcii" || got.District != models.Some("Ružinov") || got.Rooms != models.Some(2) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	entry := &models.PriceHistoryEntry{ListingID: l.ID, Price: 99000, RecordedAt: time.Now().UTC()}
	if err := db.AppendPriceHistory(ctx, entry); err != nil {
		t.Fatalf("append history: %v", err)
	}
	history, err := db.PriceHistory(ctx, l.ID)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %v, %v", history, err)
	}

	fp := models.Fingerprint{ListingID: l.ID, LocationKey: "bratislava|ruzinov", AreaBucket: "40-49", Rooms: "2", Hash: "h-" + suffix}
	if err := db.UpsertFingerprint(ctx, fp); err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	byHash, err := db.ListingsByFingerprintHash(ctx, fp.Hash)
	if err != nil || len(byHash) != 1 {
		t.Fatalf("by hash = %v, %v", byHash, err)
	}
	inRange, err := db.ListingsInAreaRange(ctx, "Bratislava", models.Some("Ružinov"), 45, 50)
	if err != nil || len(inRange) == 0 {
		t.Fatalf("area range = %v, %v", inRange, err)
	}
}

func TestPostgresMatchInsertIfAbsent(t *testing.T) {
	db := newTestPostgres(t)
	ctx := testContext(t)
	suffix := fmt.Sprint(time.Now().UnixNano())

	a := newListing("pg-a-"+suffix, "", "https://pg.test/a/"+suffix, 50)
	b := newListing("pg-b-"+suffix, "", "https://pg.test/b/"+suffix, 51)
	db.UpsertListing(ctx, a)
	db.UpsertListing(ctx, b)

	m := models.NewMatch(b.ID, a.ID, 75, []string{"address match"}, time.Now())
	if ok, err := db.InsertMatchIfAbsent(ctx, &m); err != nil || !ok {
		t.Fatalf("first insert ok=%v err=%v", ok, err)
	}
	dup := models.NewMatch(a.ID, b.ID, 80, nil, time.Now())
	if ok, err := db.InsertMatchIfAbsent(ctx, &dup); err != nil || ok {
		t.Fatalf("duplicate insert ok=%v err=%v", ok, err)
	}
	matches, err := db.MatchesFor(ctx, b.ID)
	if err != nil || len(matches) != 1 || matches[0].Reasons[0] != "address match" {
		t.Fatalf("matches = %+v, %v", matches, err)
	}
}

func TestPostgresRunReportRoundTrip(t *testing.T) {
	db := newTestPostgres(t)
	ctx := testContext(t)

	r := &models.RunReport{
		ID:           uuid.NewString(),
		Source:       fmt.Sprint("pg-report-", time.Now().UnixNano()),
		Status:       models.RunPartial,
		StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
		Duration:     1500 * time.Millisecond,
		Found:        12,
		ErrorCount:   2,
		ErrorsByType: map[string]int{"timeout": 2},
		ErrorSample:  []string{"page 3: timeout"},
	}
	if err := db.SaveRunReport(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := db.RunReports(ctx, r.Source, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("reports = %v, %v", got, err)
	}
	if got[0].Duration != r.Duration || got[0].ErrorsByType["timeout"] != 2 || got[0].Status != models.RunPartial {
		t.Fatalf("round trip mismatch: %+v", got[0])
	}
}
