// Package identity decides whether two listings describe the same property.
// A coarse fingerprint shortlists candidates; a weighted pairwise score
// decides which candidates become reviewable match edges.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
)

// AreaBucketWidth is the width of an area bucket in square metres.
const AreaBucketWidth = 10

var streetPrefixes = map[string]struct{}{
	"ul":    {},
	"ulica": {},
	"c":     {},
	"cislo": {},
}

// NormalizeAddress folds diacritics and case, drops street-type prefixes
// and punctuation, and collapses whitespace.
func NormalizeAddress(street string) string {
	toks := parser.Tokens(street)
	out := toks[:0]
	for _, t := range toks {
		if _, skip := streetPrefixes[t]; skip {
			continue
		}
		out = append(out, t)
	}
	return strings.Join(out, " ")
}

// LocationKey is the city+district composite key.
func LocationKey(city string, district models.Optional[string]) string {
	return strings.Join(parser.Tokens(city), " ") + "|" + strings.Join(parser.Tokens(district.OrElse("")), " ")
}

// AreaBucket maps an area to a 10 m² range such as "50-59". Unknown area
// maps to "unknown".
func AreaBucket(area float64) string {
	if area <= 0 {
		return "unknown"
	}
	lo := int(area) / AreaBucketWidth * AreaBucketWidth
	return fmt.Sprintf("%d-%d", lo, lo+AreaBucketWidth-1)
}

// RoomsKey renders a room count, or "any" when unknown.
func RoomsKey(rooms models.Optional[int]) string {
	if n, ok := rooms.Get(); ok {
		return strconv.Itoa(n)
	}
	return "any"
}

// Compute derives the fingerprint of a listing.
func Compute(l *models.Listing) models.Fingerprint {
	fp := models.Fingerprint{
		ListingID:         l.ID,
		NormalizedAddress: NormalizeAddress(l.Street.OrElse("")),
		LocationKey:       LocationKey(l.City, l.District),
		AreaBucket:        AreaBucket(l.Area),
		Rooms:             RoomsKey(l.Rooms),
	}
	fp.Hash = hashFields(fp.NormalizedAddress, fp.LocationKey, fp.AreaBucket, fp.Rooms)
	return fp
}

func hashFields(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
