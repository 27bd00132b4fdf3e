// Package priority scores how urgently a tracked listing should be
// re-checked and turns the score into a daily check allowance.
package priority

import (
	"time"

	"github.com/aluiziolira/go-realty-radar/models"
)

const (
	baseScore = 50
	day       = 24 * time.Hour

	// RecentDropWindow is how far back a price drop counts as recent.
	RecentDropWindow = 30 * 24 * time.Hour
	// LowPriorityGap is the minimum time between checks of listings scoring
	// below 20.
	LowPriorityGap = 48 * time.Hour
)

// Signals are the inputs to the score.
type Signals struct {
	FirstSeenAt      time.Time
	LastCheckedAt    *time.Time
	PriceChanges     int
	LastDropPct      float64 // e.g. 0.12 for a 12% drop
	LastDropAt       time.Time
	Watchers         int
	Distressed       bool
	HasDescription   bool
	HasPhotos        bool
	RepublishesOften bool
}

// Weights caps each component of the score.
type Weights struct {
	NewListing     int
	StaleListing   int
	CheckStaleness int
	PriceActivity  int
	RecentDrop     int
	Watchers       int
	Distressed     int
	Description    int
	Photos         int
	Republishing   int
}

// DefaultWeights returns the standard component caps.
func DefaultWeights() Weights {
	return Weights{
		NewListing:     25,
		StaleListing:   15,
		CheckStaleness: 20,
		PriceActivity:  20,
		RecentDrop:     15,
		Watchers:       15,
		Distressed:     10,
		Description:    3,
		Photos:         2,
		Republishing:   5,
	}
}

// Scorer computes 0-100 priority scores.
type Scorer struct {
	w Weights
}

func NewScorer(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Score returns the clamped priority of a listing with signals s at now.
func (sc *Scorer) Score(s Signals, now time.Time) int {
	score := baseScore
	score += sc.marketAge(now.Sub(s.FirstSeenAt))
	score += sc.checkStaleness(s.LastCheckedAt, now)
	score += sc.priceActivity(s, now)
	score += sc.demand(s.Watchers)
	if s.Distressed {
		score += sc.w.Distressed
	}
	if s.HasDescription {
		score += sc.w.Description
	}
	if s.HasPhotos {
		score += sc.w.Photos
	}
	if s.RepublishesOften {
		score += sc.w.Republishing
	}
	return clamp(score)
}

// marketAge rewards fresh listings and penalises those on the market for
// more than 90 days, one point per 10 days up to the cap.
func (sc *Scorer) marketAge(age time.Duration) int {
	days := int(age / day)
	switch {
	case days <= 1:
		return sc.w.NewListing
	case days <= 3:
		return sc.w.NewListing * 4 / 5
	case days <= 7:
		return sc.w.NewListing * 3 / 5
	case days <= 14:
		return sc.w.NewListing * 2 / 5
	case days <= 30:
		return sc.w.NewListing / 5
	case days <= 90:
		return 0
	}
	penalty := (days - 90 + 9) / 10
	if penalty > sc.w.StaleListing {
		penalty = sc.w.StaleListing
	}
	return -penalty
}

// checkStaleness grows from half the cap after one day without a check to
// the full cap after three. A listing never checked gets the full cap.
func (sc *Scorer) checkStaleness(last *time.Time, now time.Time) int {
	if last == nil {
		return sc.w.CheckStaleness
	}
	days := int(now.Sub(*last) / day)
	if days < 1 {
		return 0
	}
	bonus := sc.w.CheckStaleness/2 + (days-1)*sc.w.CheckStaleness/4
	if bonus > sc.w.CheckStaleness {
		bonus = sc.w.CheckStaleness
	}
	return bonus
}

func (sc *Scorer) priceActivity(s Signals, now time.Time) int {
	bonus := 0
	if s.PriceChanges >= 2 {
		bonus = sc.w.PriceActivity * (s.PriceChanges + 1) / 5
		if bonus > sc.w.PriceActivity {
			bonus = sc.w.PriceActivity
		}
	}
	if !s.LastDropAt.IsZero() && now.Sub(s.LastDropAt) <= RecentDropWindow {
		switch {
		case s.LastDropPct >= 0.10:
			bonus += sc.w.RecentDrop
		case s.LastDropPct >= 0.05:
			bonus += sc.w.RecentDrop / 2
		}
	}
	return bonus
}

func (sc *Scorer) demand(watchers int) int {
	switch {
	case watchers >= 5:
		return sc.w.Watchers
	case watchers >= 2:
		return sc.w.Watchers * 2 / 3
	case watchers == 1:
		return sc.w.Watchers / 5
	}
	return 0
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Cadence is the number of checks a score allows per calendar day. Zero
// means the listing is only checked after LowPriorityGap has elapsed.
func Cadence(score int) int {
	switch {
	case score >= 80:
		return 3
	case score >= 50:
		return 2
	case score >= 20:
		return 1
	}
	return 0
}

// IsDue reports whether the listing may be checked at now given its score.
func IsDue(l *models.Listing, score int, now time.Time) bool {
	if l.Status.Terminal() {
		return false
	}
	checks := l.ChecksOn(now)
	allowed := Cadence(score)
	if allowed > 0 {
		return checks < allowed
	}
	if checks > 0 {
		return false
	}
	return l.LastCheckedAt == nil || now.Sub(*l.LastCheckedAt) >= LowPriorityGap
}

// SignalsFrom derives signals from a listing and its price history (newest
// first, initial observation included).
func SignalsFrom(l *models.Listing, history []models.PriceHistoryEntry, republishes bool) Signals {
	s := Signals{
		FirstSeenAt:      l.FirstSeenAt,
		LastCheckedAt:    l.LastCheckedAt,
		Watchers:         l.Watchers,
		Distressed:       l.Distressed,
		HasDescription:   l.Description != "",
		HasPhotos:        l.PhotoCount > 0,
		RepublishesOften: republishes,
	}
	if len(history) > 1 {
		s.PriceChanges = len(history) - 1
		newer, older := history[0], history[1]
		if older.Price > 0 && newer.Price < older.Price {
			s.LastDropPct = float64(older.Price-newer.Price) / float64(older.Price)
			s.LastDropAt = newer.RecordedAt
		}
	}
	return s
}
