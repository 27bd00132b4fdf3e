package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
)

// ItemError reports a single listing item that could not be extracted. The
// rest of the page is unaffected.
type ItemError struct {
	Index int
	URL   string
	Err   error
}

func (e *ItemError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("item %d (%s): %v", e.Index, e.URL, e.Err)
	}
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Extractor applies per-source selectors to listing pages.
type Extractor struct {
	bounds      Bounds
	rentCeiling int64
	locator     *Locator
	idPatterns  map[string]*regexp.Regexp
	removal     map[string][]string
	now         func() time.Time
}

// NewExtractor compiles the per-source id patterns and removal phrases.
func NewExtractor(cfg *config.Config) (*Extractor, error) {
	e := &Extractor{
		bounds:      BoundsFrom(cfg),
		rentCeiling: cfg.RentPriceCeiling,
		locator:     NewLocator(cfg.Cities),
		idPatterns:  make(map[string]*regexp.Regexp),
		removal:     make(map[string][]string),
		now:         time.Now,
	}
	for _, src := range cfg.Sources {
		if src.IDPattern != "" {
			re, err := regexp.Compile(src.IDPattern)
			if err != nil {
				return nil, fmt.Errorf("source %s: compile id pattern: %w", src.Name, err)
			}
			e.idPatterns[src.Name] = re
		}
		phrases := make([]string, 0, len(src.RemovalPhrases))
		for _, p := range src.RemovalPhrases {
			if p = strings.TrimSpace(p); p != "" {
				phrases = append(phrases, p)
			}
		}
		e.removal[src.Name] = phrases
	}
	return e, nil
}

// Bounds returns the validation bounds in use.
func (e *Extractor) Bounds() Bounds {
	return e.bounds
}

// Locator returns the city locator.
func (e *Extractor) Locator() *Locator {
	return e.locator
}

// Extract parses a category page. It returns every listing that could be
// extracted and validated, plus one error per rejected item. A document that
// cannot be parsed at all yields a single ErrInvalidDocument.
func (e *Extractor) Extract(src *config.SourceConfig, body []byte, pageURL string, cat config.CategoryConfig) ([]*models.ExtractedListing, []error) {
	if src.Selectors.Item == "" {
		return nil, []error{fmt.Errorf("%w: %s", ErrUnknownSelectors, src.Name)}
	}
	doc, err := e.document(body)
	if err != nil {
		return nil, []error{err}
	}
	base, _ := url.Parse(pageURL)

	var (
		out  []*models.ExtractedListing
		errs []error
	)
	doc.Find(src.Selectors.Item).Each(func(i int, item *goquery.Selection) {
		rec, err := e.extractItem(src, item, base, cat)
		if err != nil {
			itemURL := ""
			if rec != nil {
				itemURL = rec.URL
			}
			errs = append(errs, &ItemError{Index: i, URL: itemURL, Err: err})
			return
		}
		out = append(out, rec)
	})
	return out, errs
}

func (e *Extractor) extractItem(src *config.SourceConfig, item *goquery.Selection, base *url.URL, cat config.CategoryConfig) (*models.ExtractedListing, error) {
	sel := src.Selectors
	rec := &models.ExtractedListing{
		Source:    src.Name,
		ScrapedAt: e.now(),
	}

	href, ok := item.Find(sel.Link).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return nil, fmt.Errorf("%w: link", ErrMissingField)
	}
	rec.URL = resolve(base, strings.TrimSpace(href))

	titleSel := sel.Title
	if titleSel == "" {
		titleSel = sel.Link
	}
	rec.Title = text(item.Find(titleSel).First())
	if rec.Title == "" {
		return rec, fmt.Errorf("%w: title", ErrMissingField)
	}

	price, err := ParsePrice(text(item.Find(sel.Price).First()), e.bounds)
	if err != nil {
		return rec, err
	}
	rec.Price = price

	areaText := childText(item, sel.Area)
	area, err := ParseArea(areaText, e.bounds)
	if err != nil {
		return rec, err
	}
	if area == 0 {
		// Titles often carry the area when the parameter block does not.
		if area, err = ParseArea(rec.Title, e.bounds); err != nil {
			return rec, err
		}
	}
	rec.Area = area

	rooms := ParseRooms(childText(item, sel.Rooms))
	if !rooms.IsSet() {
		rooms = ParseRooms(rec.Title)
	}
	rec.Rooms = rooms

	rec.Description = childText(item, sel.Description)
	if sel.Photo != "" {
		rec.PhotoCount = item.Find(sel.Photo).Length()
	}
	rec.ExternalID = e.externalID(src, item, rec.URL)
	rec.Kind = InferKind(cat.Kind, rec.Title+" "+rec.URL, rec.Price, e.rentCeiling)

	loc := e.locator.Locate(childText(item, sel.Location), rec.URL, rec.Title)
	rec.City = loc.City
	rec.District = loc.District
	rec.Street = loc.Street

	if err := ValidateListing(rec, e.bounds); err != nil {
		return rec, err
	}
	return rec, nil
}

func (e *Extractor) externalID(src *config.SourceConfig, item *goquery.Selection, itemURL string) models.Optional[string] {
	if attr := src.Selectors.ExternalIDAttr; attr != "" {
		if v, ok := item.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return models.Some(strings.TrimSpace(v))
		}
		if v, ok := item.Find("[" + attr + "]").First().Attr(attr); ok && strings.TrimSpace(v) != "" {
			return models.Some(strings.TrimSpace(v))
		}
	}
	if re, ok := e.idPatterns[src.Name]; ok {
		u, err := url.Parse(itemURL)
		if err == nil {
			if m := re.FindStringSubmatch(u.Path); len(m) > 1 && m[1] != "" {
				return models.Some(m[1])
			}
		}
	}
	return models.None[string]()
}

// DetailPrice parses the current price from a single listing page.
func (e *Extractor) DetailPrice(src *config.SourceConfig, body []byte) (int64, error) {
	doc, err := e.document(body)
	if err != nil {
		return 0, err
	}
	for _, sel := range []string{src.Selectors.DetailPrice, src.Selectors.Price} {
		if sel == "" {
			continue
		}
		if t := text(doc.Find(sel).First()); t != "" {
			return ParsePrice(t, e.bounds)
		}
	}
	return 0, ErrNoPrice
}

// RemovalPhrase scans the visible text of a listing page for the source's
// "sold" or "no longer active" phrases. The scan is lexical and best-effort:
// a phrase quoted elsewhere on the page is a false positive.
func (e *Extractor) RemovalPhrase(src *config.SourceConfig, body []byte) (string, bool) {
	phrases := e.removal[src.Name]
	if len(phrases) == 0 {
		return "", false
	}
	doc, err := e.document(body)
	if err != nil {
		return "", false
	}
	doc.Find("script, style, noscript").Remove()
	// Whole words only: "predaná" must not match inside "nepredaná".
	visible := Tokens(doc.Text())
	for _, p := range phrases {
		if ContainsPhrase(visible, Tokens(p)) {
			return p, true
		}
	}
	return "", false
}

func (e *Extractor) document(body []byte) (*goquery.Document, error) {
	if !utf8.Valid(body) {
		decoded, err := Decode(body, "")
		if err == nil {
			body = decoded
		}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc, nil
}

func childText(item *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return text(item.Find(selector).First())
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
