package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/aluiziolira/go-realty-radar/models"
)

// Memory is an in-process Repository.
type Memory struct {
	mu sync.RWMutex

	nextListingID int64
	nextHistoryID int64
	nextMatchID   int64

	listings     map[int64]*models.Listing
	byKey        map[string]int64
	history      map[int64][]models.PriceHistoryEntry
	fingerprints map[int64]models.Fingerprint
	byHash       map[string]map[int64]struct{}
	matches      map[[2]int64]models.Match
	reports      []models.RunReport
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		listings:     make(map[int64]*models.Listing),
		byKey:        make(map[string]int64),
		history:      make(map[int64][]models.PriceHistoryEntry),
		fingerprints: make(map[int64]models.Fingerprint),
		byHash:       make(map[string]map[int64]struct{}),
		matches:      make(map[[2]int64]models.Match),
	}
}

var _ Repository = (*Memory)(nil)

func (m *Memory) FindListingByKey(_ context.Context, source string, externalID models.Optional[string], url string) (*models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[models.ListingKey(source, externalID, url)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneListing(m.listings[id]), nil
}

func (m *Memory) GetListing(_ context.Context, id int64) (*models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneListing(l), nil
}

func (m *Memory) UpsertListing(_ context.Context, l *models.Listing) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := l.Key()
	if id, ok := m.byKey[key]; ok {
		l.ID = id
		m.listings[id] = cloneListing(l)
		return false, nil
	}
	m.nextListingID++
	l.ID = m.nextListingID
	m.byKey[key] = l.ID
	m.listings[l.ID] = cloneListing(l)
	return true, nil
}

func (m *Memory) UpdateListingState(_ context.Context, l *models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.listings[l.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Price = l.Price
	cur.PricePerArea = l.PricePerArea
	cur.Status = l.Status
	cur.RemovalReason = l.RemovalReason
	cur.ConsecutiveFailures = l.ConsecutiveFailures
	cur.PriorityScore = l.PriorityScore
	cur.ChecksToday = l.ChecksToday
	cur.ChecksDay = l.ChecksDay
	cur.LastCheckedAt = clonePtr(l.LastCheckedAt)
	return nil
}

func (m *Memory) SetPriorityScores(_ context.Context, scores map[int64]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, score := range scores {
		if l, ok := m.listings[id]; ok {
			l.PriorityScore = score
		}
	}
	return nil
}

func (m *Memory) ActiveCandidates(_ context.Context, limit int) ([]*models.Listing, error) {
	m.mu.RLock()
	out := make([]*models.Listing, 0, len(m.listings))
	for _, l := range m.listings {
		if l.Status == models.StatusActive {
			out = append(out, cloneListing(l))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		switch {
		case a.LastCheckedAt == nil && b.LastCheckedAt != nil:
			return true
		case a.LastCheckedAt != nil && b.LastCheckedAt == nil:
			return false
		case a.LastCheckedAt != nil && !a.LastCheckedAt.Equal(*b.LastCheckedAt):
			return a.LastCheckedAt.Before(*b.LastCheckedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendPriceHistory(_ context.Context, e *models.PriceHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[e.ListingID]; !ok {
		return ErrNotFound
	}
	m.nextHistoryID++
	e.ID = m.nextHistoryID
	m.history[e.ListingID] = append(m.history[e.ListingID], *e)
	return nil
}

func (m *Memory) PriceHistory(_ context.Context, listingID int64) ([]models.PriceHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[listingID]
	out := make([]models.PriceHistoryEntry, len(entries))
	for i := range entries {
		out[len(entries)-1-i] = entries[i]
	}
	return out, nil
}

func (m *Memory) UpsertFingerprint(_ context.Context, fp models.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.fingerprints[fp.ListingID]; ok {
		delete(m.byHash[old.Hash], fp.ListingID)
	}
	m.fingerprints[fp.ListingID] = fp
	if m.byHash[fp.Hash] == nil {
		m.byHash[fp.Hash] = make(map[int64]struct{})
	}
	m.byHash[fp.Hash][fp.ListingID] = struct{}{}
	return nil
}

func (m *Memory) ListingsByFingerprintHash(_ context.Context, hash string) ([]*models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Listing, 0, len(m.byHash[hash]))
	for id := range m.byHash[hash] {
		out = append(out, cloneListing(m.listings[id]))
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) ListingsInAreaRange(_ context.Context, city string, district models.Optional[string], minArea, maxArea float64) ([]*models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Listing
	for _, l := range m.listings {
		if l.City != city || l.Area < minArea || l.Area > maxArea {
			continue
		}
		if d, ok := district.Get(); ok && l.District.OrElse("") != d {
			continue
		}
		out = append(out, cloneListing(l))
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) InsertMatchIfAbsent(_ context.Context, match *models.Match) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, b := match.PrimaryID, match.MatchedID
	if a > b {
		a, b = b, a
	}
	key := [2]int64{a, b}
	if _, ok := m.matches[key]; ok {
		return false, nil
	}
	m.nextMatchID++
	match.ID = m.nextMatchID
	match.PrimaryID, match.MatchedID = a, b
	stored := *match
	stored.Reasons = append([]string(nil), match.Reasons...)
	m.matches[key] = stored
	return true, nil
}

func (m *Memory) MatchesFor(_ context.Context, listingID int64) ([]models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Match
	for _, match := range m.matches {
		if match.PrimaryID == listingID || match.MatchedID == listingID {
			out = append(out, match)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SaveRunReport(_ context.Context, r *models.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *r)
	return nil
}

func (m *Memory) RunReports(_ context.Context, source string, limit int) ([]models.RunReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RunReport
	for i := len(m.reports) - 1; i >= 0; i-- {
		if source != "" && m.reports[i].Source != source {
			continue
		}
		out = append(out, m.reports[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() {}

func cloneListing(l *models.Listing) *models.Listing {
	if l == nil {
		return nil
	}
	c := *l
	c.LastCheckedAt = clonePtr(l.LastCheckedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sortByID(list []*models.Listing) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
