// Package parser turns source HTML into canonical listing records: price,
// area and room parsing, location decomposition and per-source extraction.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
)

var (
	ErrNoPrice          = errors.New("parser: no price")
	ErrPriceOutOfRange  = errors.New("parser: price out of range")
	ErrAreaOutOfRange   = errors.New("parser: area out of range")
	ErrMissingField     = errors.New("parser: missing field")
	ErrInvalidDocument  = errors.New("parser: invalid document")
	ErrUnknownSelectors = errors.New("parser: source has no selectors")
)

// Bounds are the plausibility limits applied before a record is accepted.
type Bounds struct {
	MinPrice int64
	MaxPrice int64
	MinArea  float64
	MaxArea  float64
}

// BoundsFrom reads the bounds from configuration.
func BoundsFrom(cfg *config.Config) Bounds {
	return Bounds{
		MinPrice: cfg.MinPrice,
		MaxPrice: cfg.MaxPrice,
		MinArea:  cfg.MinArea,
		MaxArea:  cfg.MaxArea,
	}
}

var (
	numberRun       = regexp.MustCompile(`\d[\d .,'\x{00a0}\x{202f}]*\d|\d`)
	decimalSuffix   = regexp.MustCompile(`[.,]\d{1,2}$`)
	areaPattern     = regexp.MustCompile(`(?i)(\d{1,3}(?:[ \x{00a0}]\d{3})+|\d+)(?:[.,](\d+))?\s*(?:m2|m²|m\^2|sq\.?\s?m|štvorcových)`)
	roomsPattern    = regexp.MustCompile(`(\d+)(?:[.,]5)?\s*-?\s*(?:izb|room)`)
	noPricePhrases  = []string{"dohodou", "na vyziadanie", "v rk"}
	rentTextMarkers = []string{"prenajom", "prenajmem", "/mes"}
)

// ParsePrice extracts an integer price from text such as "125 000 €" or
// "1.250.000,00 EUR". A one- or two-digit group after the last separator is
// a decimal part and is dropped.
func ParsePrice(text string, b Bounds) (int64, error) {
	folded := Fold(text)
	for _, phrase := range noPricePhrases {
		if strings.Contains(folded, phrase) {
			return 0, ErrNoPrice
		}
	}

	run := numberRun.FindString(text)
	if run == "" {
		return 0, ErrNoPrice
	}
	run = decimalSuffix.ReplaceAllString(run, "")

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, run)
	if digits == "" {
		return 0, ErrNoPrice
	}

	price, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrPriceOutOfRange, run)
	}
	if price < b.MinPrice || price > b.MaxPrice {
		return 0, fmt.Errorf("%w: %d", ErrPriceOutOfRange, price)
	}
	return price, nil
}

// ParseArea finds a unit-suffixed area in text. Text without an area marker
// yields 0, meaning unknown.
func ParseArea(text string, b Bounds) (float64, error) {
	m := areaPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, nil
	}
	whole := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m[1])
	raw := whole
	if m[2] != "" {
		raw += "." + m[2]
	}
	area, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrAreaOutOfRange, m[0])
	}
	if area < b.MinArea || area > b.MaxArea {
		return 0, fmt.Errorf("%w: %.1f", ErrAreaOutOfRange, area)
	}
	return area, nil
}

// ParseRooms recognises "3-izbový", "2 izby" and "garsónka". Half rooms
// round down, so "1,5-izbový" is 1.
func ParseRooms(text string) models.Optional[int] {
	folded := Fold(text)
	if strings.Contains(folded, "garson") || strings.Contains(folded, "studio") {
		return models.Some(1)
	}
	m := roomsPattern.FindStringSubmatch(folded)
	if m == nil {
		return models.None[int]()
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 || n > 20 {
		return models.None[int]()
	}
	return models.Some(n)
}

// InferKind decides sale versus rent. An explicit category kind wins; for
// mixed categories a price below rentCeiling implies a rental, then rental
// wording in hint is consulted.
func InferKind(categoryKind string, hint string, price, rentCeiling int64) models.ListingKind {
	switch models.ListingKind(categoryKind) {
	case models.KindSale, models.KindRent:
		return models.ListingKind(categoryKind)
	}
	if price > 0 && price < rentCeiling {
		return models.KindRent
	}
	folded := Fold(hint)
	for _, marker := range rentTextMarkers {
		if strings.Contains(folded, marker) {
			return models.KindRent
		}
	}
	return models.KindSale
}

// ValidateListing rejects records that must not reach storage.
func ValidateListing(rec *models.ExtractedListing, b Bounds) error {
	if rec == nil {
		return fmt.Errorf("%w: record is nil", ErrMissingField)
	}
	if strings.TrimSpace(rec.Source) == "" {
		return fmt.Errorf("%w: source", ErrMissingField)
	}
	if strings.TrimSpace(rec.URL) == "" {
		return fmt.Errorf("%w: url", ErrMissingField)
	}
	if strings.TrimSpace(rec.Title) == "" {
		return fmt.Errorf("%w: title for %s", ErrMissingField, rec.URL)
	}
	if strings.TrimSpace(rec.City) == "" {
		return fmt.Errorf("%w: city for %s", ErrMissingField, rec.URL)
	}
	if rec.Price < b.MinPrice || rec.Price > b.MaxPrice {
		return fmt.Errorf("%w: %d", ErrPriceOutOfRange, rec.Price)
	}
	if rec.Area != 0 && (rec.Area < b.MinArea || rec.Area > b.MaxArea) {
		return fmt.Errorf("%w: %.1f", ErrAreaOutOfRange, rec.Area)
	}
	return nil
}

// ErrorType labels a parse or validation error for per-type counts.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, ErrNoPrice):
		return "no_price"
	case errors.Is(err, ErrPriceOutOfRange):
		return "price_out_of_range"
	case errors.Is(err, ErrAreaOutOfRange):
		return "area_out_of_range"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrInvalidDocument):
		return "invalid_document"
	default:
		return "parse"
	}
}
