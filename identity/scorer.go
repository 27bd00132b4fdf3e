package identity

import (
	"fmt"
	"math"
	"strings"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
)

// Scorer computes a 0-100 similarity between two listings.
type Scorer struct {
	w config.MatchConfig
}

// NewScorer builds a scorer with the given weights.
func NewScorer(w config.MatchConfig) *Scorer {
	return &Scorer{w: w}
}

// Score returns the weighted similarity and the reasons behind it. Listings
// in different cities, or with an unresolved city, always score 0.
func (s *Scorer) Score(a, b *models.Listing) (int, []string) {
	cityA, cityB := strings.Join(parser.Tokens(a.City), " "), strings.Join(parser.Tokens(b.City), " ")
	if cityA == "" || cityA != cityB || a.City == parser.UnknownCity || b.City == parser.UnknownCity {
		return 0, nil
	}

	score := 0
	reasons := []string{"same city: " + a.City}

	if da, ok := a.District.Get(); ok {
		if db, ok := b.District.Get(); ok && parser.Fold(da) == parser.Fold(db) {
			score += s.w.SameDistrict
			reasons = append(reasons, "same district: "+da)
		}
	}

	na, nb := NormalizeAddress(a.Street.OrElse("")), NormalizeAddress(b.Street.OrElse(""))
	if na != "" && nb != "" {
		switch {
		case na == nb:
			score += s.w.AddressExact
			reasons = append(reasons, "address match: "+na)
		case addressContains(na, nb) || addressContains(nb, na):
			score += s.w.AddressContains
			reasons = append(reasons, fmt.Sprintf("address containment: %q ~ %q", na, nb))
		default:
			if overlap := tokenOverlap(na, nb); overlap > 0.5 {
				score += s.w.AddressTokens
				reasons = append(reasons, fmt.Sprintf("address token overlap %.0f%%", overlap*100))
			}
		}
	}

	if a.Area > 0 && b.Area > 0 {
		diff := math.Abs(a.Area-b.Area) / math.Max(a.Area, b.Area)
		switch {
		case diff <= 0.05:
			score += s.w.AreaWithin5
			reasons = append(reasons, fmt.Sprintf("area within 5%% (%.0f vs %.0f)", a.Area, b.Area))
		case diff <= 0.10:
			score += s.w.AreaWithin10
			reasons = append(reasons, fmt.Sprintf("area within 10%% (%.0f vs %.0f)", a.Area, b.Area))
		}
	}

	if ra, ok := a.Rooms.Get(); ok {
		if rb, ok := b.Rooms.Get(); ok && ra == rb {
			score += s.w.SameRooms
			reasons = append(reasons, fmt.Sprintf("same rooms: %d", ra))
		}
	}

	if score > 100 {
		score = 100
	}
	return score, reasons
}

// addressContains matches whole tokens, so "hlavna 1" is not inside
// "hlavna 12".
func addressContains(haystack, needle string) bool {
	return parser.ContainsPhrase(strings.Fields(haystack), strings.Fields(needle))
}

// tokenOverlap is the share of the shorter address's tokens found in the
// other address.
func tokenOverlap(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}
	set := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		set[t] = struct{}{}
	}
	shared := 0
	for _, t := range ta {
		if _, ok := set[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta))
}
