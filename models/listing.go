// Package models defines data structures shared by the crawler, the identity
// resolver and the re-check scheduler.
package models

import (
	"strings"
	"time"
)

// ListingKind distinguishes sale offers from rentals.
type ListingKind string

const (
	KindSale ListingKind = "sale"
	KindRent ListingKind = "rent"
)

// ListingStatus is the lifecycle state of a tracked listing.
type ListingStatus string

const (
	StatusActive    ListingStatus = "active"
	StatusRemoved   ListingStatus = "removed"
	StatusSold      ListingStatus = "sold"
	StatusWithdrawn ListingStatus = "withdrawn"
	StatusExpired   ListingStatus = "expired"
)

// Terminal reports whether the status excludes the listing from scheduling.
func (s ListingStatus) Terminal() bool {
	return s != StatusActive
}

// RemovalReason explains why a listing left the market.
type RemovalReason string

const (
	ReasonNone      RemovalReason = ""
	ReasonUnknown   RemovalReason = "unknown"
	ReasonSold      RemovalReason = "sold"
	ReasonWithdrawn RemovalReason = "withdrawn"
	ReasonExpired   RemovalReason = "expired"
)

// ExtractedListing is the canonical record produced from one source page.
type ExtractedListing struct {
	Source      string           `json:"source"`
	ExternalID  Optional[string] `json:"external_id"`
	URL         string           `json:"url"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Price       int64            `json:"price"`
	Area        float64          `json:"area"`
	Rooms       Optional[int]    `json:"rooms"`
	Kind        ListingKind      `json:"kind"`
	City        string           `json:"city"`
	District    Optional[string] `json:"district"`
	Street      Optional[string] `json:"street"`
	PhotoCount  int              `json:"photo_count"`
	ScrapedAt   time.Time        `json:"scraped_at"`
}

// Key returns the listing's unique key within its source.
func (e *ExtractedListing) Key() string {
	return ListingKey(e.Source, e.ExternalID, e.URL)
}

// PricePerArea returns price divided by area, or zero when area is unknown.
func (e *ExtractedListing) PricePerArea() float64 {
	return pricePerArea(e.Price, e.Area)
}

// Listing is the tracked canonical record for one offer on one source.
type Listing struct {
	ID           int64            `json:"id"`
	Source       string           `json:"source"`
	ExternalID   Optional[string] `json:"external_id"`
	URL          string           `json:"url"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	Price        int64            `json:"price"`
	PricePerArea float64          `json:"price_per_area"`
	Area         float64          `json:"area"`
	Rooms        Optional[int]    `json:"rooms"`
	Kind         ListingKind      `json:"kind"`
	City         string           `json:"city"`
	District     Optional[string] `json:"district"`
	Street       Optional[string] `json:"street"`
	PhotoCount   int              `json:"photo_count"`
	Watchers     int              `json:"watchers"`
	Distressed   bool             `json:"distressed"`

	FirstSeenAt         time.Time     `json:"first_seen_at"`
	LastSeenAt          time.Time     `json:"last_seen_at"`
	Status              ListingStatus `json:"status"`
	RemovalReason       RemovalReason `json:"removal_reason,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	PriorityScore       int           `json:"priority_score"`
	ChecksToday         int           `json:"checks_today"`
	ChecksDay           time.Time     `json:"checks_day"`
	LastCheckedAt       *time.Time    `json:"last_checked_at,omitempty"`
}

// Key returns the listing's unique key within its source.
func (l *Listing) Key() string {
	return ListingKey(l.Source, l.ExternalID, l.URL)
}

// ChecksOn returns the number of checks recorded for the calendar day of now.
func (l *Listing) ChecksOn(now time.Time) int {
	if l.ChecksDay.IsZero() || !sameDay(l.ChecksDay, now) {
		return 0
	}
	return l.ChecksToday
}

// RecordCheck bumps the per-day check counter, resetting it on a new day.
func (l *Listing) RecordCheck(now time.Time) {
	l.ChecksToday = l.ChecksOn(now) + 1
	l.ChecksDay = truncateDay(now)
	checked := now
	l.LastCheckedAt = &checked
}

// IdentityChanged reports whether fields feeding the fingerprint differ.
func (l *Listing) IdentityChanged(rec *ExtractedListing) bool {
	return l.City != rec.City ||
		l.District != rec.District ||
		l.Street != rec.Street ||
		l.Area != rec.Area ||
		l.Rooms != rec.Rooms
}

// NewListing builds a fresh active listing from an extracted record.
func NewListing(rec *ExtractedListing, now time.Time) *Listing {
	l := &Listing{
		FirstSeenAt: now,
		Status:      StatusActive,
	}
	l.Apply(rec, now)
	return l
}

// Apply copies descriptive fields from rec and marks the listing as seen.
func (l *Listing) Apply(rec *ExtractedListing, now time.Time) {
	l.Source = rec.Source
	l.ExternalID = rec.ExternalID
	l.URL = rec.URL
	l.Title = rec.Title
	if rec.Description != "" {
		l.Description = rec.Description
	}
	l.Price = rec.Price
	l.Area = rec.Area
	l.PricePerArea = rec.PricePerArea()
	l.Rooms = rec.Rooms
	l.Kind = rec.Kind
	l.City = rec.City
	l.District = rec.District
	l.Street = rec.Street
	if rec.PhotoCount > 0 {
		l.PhotoCount = rec.PhotoCount
	}
	l.LastSeenAt = now
}

// SetPrice updates price and the derived price-per-area.
func (l *Listing) SetPrice(price int64) {
	l.Price = price
	l.PricePerArea = pricePerArea(price, l.Area)
}

// PriceHistoryEntry is an append-only price observation.
type PriceHistoryEntry struct {
	ID           int64     `json:"id"`
	ListingID    int64     `json:"listing_id"`
	Price        int64     `json:"price"`
	PricePerArea float64   `json:"price_per_area"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Fingerprint is the coarse identity key used to shortlist duplicates.
type Fingerprint struct {
	ListingID         int64  `json:"listing_id"`
	NormalizedAddress string `json:"normalized_address"`
	LocationKey       string `json:"location_key"`
	AreaBucket        string `json:"area_bucket"`
	Rooms             string `json:"rooms"`
	Hash              string `json:"hash"`
}

// Match links two listings that likely describe the same property.
// PrimaryID is always the smaller listing id.
type Match struct {
	ID        int64     `json:"id"`
	PrimaryID int64     `json:"primary_id"`
	MatchedID int64     `json:"matched_id"`
	Score     int       `json:"score"`
	Reasons   []string  `json:"reasons"`
	Confirmed bool      `json:"confirmed"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMatch orders the pair so that an unordered pair maps to one row.
func NewMatch(a, b int64, score int, reasons []string, now time.Time) Match {
	if a > b {
		a, b = b, a
	}
	return Match{
		PrimaryID: a,
		MatchedID: b,
		Score:     score,
		Reasons:   reasons,
		CreatedAt: now,
	}
}

// ListingKey builds the unique key: external id when known, URL otherwise.
func ListingKey(source string, externalID Optional[string], url string) string {
	if id, ok := externalID.Get(); ok && strings.TrimSpace(id) != "" {
		return source + "#id:" + id
	}
	return source + "#url:" + url
}

func pricePerArea(price int64, area float64) float64 {
	if area <= 0 {
		return 0
	}
	return float64(price) / area
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
