package parser

import (
	"net/url"
	"sort"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// UnknownCity is stored when no known city matches a listing's location.
const UnknownCity = "Unknown"

// Fold lowercases s and strips diacritics so "Petržalka" and "petrzalka"
// compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokens splits folded text into alphanumeric words.
func Tokens(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Location is a decomposed free-text location.
type Location struct {
	City     string
	District models.Optional[string]
	Street   models.Optional[string]
}

type phrase struct {
	name   string
	tokens []string
}

type cityEntry struct {
	name      string
	keys      []phrase
	districts []phrase
}

// Locator matches free text against a city table.
type Locator struct {
	cities []cityEntry
}

// NewLocator indexes table. Longer names are tried first so that
// "Banská Bystrica" wins over a shorter name contained in it.
func NewLocator(table *config.CityTable) *Locator {
	l := &Locator{}
	if table == nil {
		return l
	}
	for _, c := range table.Cities {
		entry := cityEntry{name: c.Name}
		for _, key := range append([]string{c.Name}, c.Aliases...) {
			if toks := Tokens(key); len(toks) > 0 {
				entry.keys = append(entry.keys, phrase{name: c.Name, tokens: toks})
			}
		}
		for _, d := range c.Districts {
			if toks := Tokens(d); len(toks) > 0 {
				entry.districts = append(entry.districts, phrase{name: d, tokens: toks})
			}
		}
		sortPhrases(entry.keys)
		sortPhrases(entry.districts)
		l.cities = append(l.cities, entry)
	}
	sort.SliceStable(l.cities, func(i, j int) bool {
		return longest(l.cities[i].keys) > longest(l.cities[j].keys)
	})
	return l
}

// Locate decomposes a location. The address is searched first, then the
// listing URL's path segments, then the title. Street is only taken from the
// address.
func (l *Locator) Locate(address, rawURL, title string) Location {
	segments := splitAddress(address)

	for i, seg := range segments {
		city, ok := l.matchCity(Tokens(seg))
		if !ok {
			continue
		}
		loc := Location{City: city.name}
		loc.District = l.findDistrict(city, segments)
		loc.Street = pickStreet(segments, i, city, loc.District)
		return loc
	}

	if path := urlPathText(rawURL); path != "" {
		if city, ok := l.matchCity(Tokens(path)); ok {
			return Location{City: city.name, District: l.findDistrict(city, []string{path})}
		}
	}

	if city, ok := l.matchCity(Tokens(title)); ok {
		return Location{City: city.name, District: l.findDistrict(city, []string{title})}
	}

	// A district name alone still pins the city.
	for _, seg := range append(segments, title) {
		toks := Tokens(seg)
		for _, city := range l.cities {
			for _, d := range city.districts {
				if ContainsPhrase(toks, d.tokens) {
					return Location{City: city.name, District: models.Some(d.name)}
				}
			}
		}
	}

	return Location{City: UnknownCity}
}

func (l *Locator) matchCity(toks []string) (*cityEntry, bool) {
	if len(toks) == 0 {
		return nil, false
	}
	for i := range l.cities {
		for _, key := range l.cities[i].keys {
			if ContainsPhrase(toks, key.tokens) {
				return &l.cities[i], true
			}
		}
	}
	return nil, false
}

func (l *Locator) findDistrict(city *cityEntry, texts []string) models.Optional[string] {
	for _, text := range texts {
		toks := Tokens(text)
		for _, d := range city.districts {
			if ContainsPhrase(toks, d.tokens) {
				return models.Some(d.name)
			}
		}
	}
	return models.None[string]()
}

// pickStreet returns the first address segment that names neither the city
// nor the district.
func pickStreet(segments []string, cityIdx int, city *cityEntry, district models.Optional[string]) models.Optional[string] {
	for i, seg := range segments {
		if i == cityIdx {
			continue
		}
		toks := Tokens(seg)
		if len(toks) == 0 {
			continue
		}
		if isOnly(toks, city.keys) {
			continue
		}
		if d, ok := district.Get(); ok && equalTokens(toks, Tokens(d)) {
			continue
		}
		if !hasLetter(seg) {
			continue
		}
		return models.Some(strings.TrimSpace(seg))
	}
	return models.None[string]()
}

func splitAddress(address string) []string {
	parts := strings.FieldsFunc(address, func(r rune) bool {
		return r == ',' || r == ';' || r == '|' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func urlPathText(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(strings.ReplaceAll(u.Path, "/", " "), "-", " ")
}

// ContainsPhrase reports whether needle occurs as a contiguous run of whole
// tokens in haystack.
func ContainsPhrase(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalTokens(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isOnly(toks []string, keys []phrase) bool {
	for _, k := range keys {
		if equalTokens(toks, k.tokens) {
			return true
		}
	}
	return false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func sortPhrases(p []phrase) {
	sort.SliceStable(p, func(i, j int) bool {
		return len(p[i].tokens) > len(p[j].tokens)
	})
}

func longest(p []phrase) int {
	n := 0
	for _, x := range p {
		if len(x.tokens) > n {
			n = len(x.tokens)
		}
	}
	return n
}
