package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOptionalJSON(t *testing.T) {
	type doc struct {
		Rooms    Optional[int]    `json:"rooms"`
		District Optional[string] `json:"district"`
	}
	raw, err := json.Marshal(doc{Rooms: Some(3)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"rooms":3,"district":null}` {
		t.Fatalf("json = %s", raw)
	}

	var back doc
	if err := json.Unmarshal([]byte(`{"rooms":null,"district":"Ružinov"}`), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Rooms.IsSet() || back.District.OrElse("") != "Ružinov" {
		t.Fatalf("decoded = %+v", back)
	}
}

func TestListingKey(t *testing.T) {
	if got := ListingKey("x", Some("42"), "https://x/a"); got != "x#id:42" {
		t.Fatalf("key = %q", got)
	}
	if got := ListingKey("x", Some("  "), "https://x/a"); got != "x#url:https://x/a" {
		t.Fatalf("blank id key = %q", got)
	}
	if got := ListingKey("x", None[string](), "https://x/a"); got != "x#url:https://x/a" {
		t.Fatalf("url key = %q", got)
	}
}

func TestChecksResetOnNewDay(t *testing.T) {
	l := &Listing{}
	morning := time.Date(2026, 10, 5, 8, 0, 0, 0, time.UTC)
	l.RecordCheck(morning)
	l.RecordCheck(morning.Add(4 * time.Hour))
	if got := l.ChecksOn(morning.Add(6 * time.Hour)); got != 2 {
		t.Fatalf("checks today = %d, want 2", got)
	}

	nextDay := morning.Add(24 * time.Hour)
	if got := l.ChecksOn(nextDay); got != 0 {
		t.Fatalf("checks next day = %d, want 0", got)
	}
	l.RecordCheck(nextDay)
	if l.ChecksToday != 1 || !l.LastCheckedAt.Equal(nextDay) {
		t.Fatalf("after reset: today=%d last=%v", l.ChecksToday, l.LastCheckedAt)
	}
}

func TestApplyAndSetPrice(t *testing.T) {
	now := time.Date(2026, 10, 5, 8, 0, 0, 0, time.UTC)
	rec := &ExtractedListing{Source: "x", URL: "u", Price: 100000, Area: 50, PhotoCount: 4, Description: "pekný byt"}
	l := NewListing(rec, now)
	if l.Status != StatusActive || l.PricePerArea != 2000 || !l.FirstSeenAt.Equal(now) {
		t.Fatalf("new listing = %+v", l)
	}

	later := now.Add(time.Hour)
	l.Apply(&ExtractedListing{Source: "x", URL: "u", Price: 90000, Area: 50}, later)
	if l.PhotoCount != 4 || l.Description != "pekný byt" {
		t.Fatalf("empty fields should not erase known ones: %+v", l)
	}
	if !l.LastSeenAt.Equal(later) || !l.FirstSeenAt.Equal(now) {
		t.Fatalf("seen timestamps = %v / %v", l.FirstSeenAt, l.LastSeenAt)
	}

	l.SetPrice(75000)
	if l.PricePerArea != 1500 {
		t.Fatalf("price per area = %v", l.PricePerArea)
	}
}

func TestNewMatchOrdersPair(t *testing.T) {
	m := NewMatch(9, 4, 70, nil, time.Time{})
	if m.PrimaryID != 4 || m.MatchedID != 9 {
		t.Fatalf("pair = (%d,%d)", m.PrimaryID, m.MatchedID)
	}
}
