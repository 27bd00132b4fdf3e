package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

//go:embed data/sources.yaml
var defaultSources []byte

//go:embed data/cities.yaml
var defaultCities []byte

// PagePlaceholder is replaced by the 1-based page number in category URLs.
const PagePlaceholder = "{page}"

// SourceConfig describes one listing portal: where its category pages live
// and how its markup maps onto the canonical listing record.
type SourceConfig struct {
	Name             string           `yaml:"name"`
	BaseURL          string           `yaml:"base_url"`
	TimeoutSec       int              `yaml:"timeout_sec"`
	ExpectedPerPage  int              `yaml:"expected_per_page"`
	RepublishesOften bool             `yaml:"republishes_often"`
	Categories       []CategoryConfig `yaml:"categories"`
	Selectors        Selectors        `yaml:"selectors"`
	IDPattern        string           `yaml:"id_pattern"`
	RemovalPhrases   []string         `yaml:"removal_phrases"`
}

// CategoryConfig is one paginated category listing. Kind is empty when the
// category mixes sale and rent offers.
type CategoryConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Kind string `yaml:"kind"`
}

// Selectors are CSS selectors evaluated relative to each listing item.
type Selectors struct {
	Item           string `yaml:"item"`
	Link           string `yaml:"link"`
	Title          string `yaml:"title"`
	Price          string `yaml:"price"`
	Area           string `yaml:"area"`
	Rooms          string `yaml:"rooms"`
	Location       string `yaml:"location"`
	Description    string `yaml:"description"`
	Photo          string `yaml:"photo"`
	ExternalIDAttr string `yaml:"external_id_attr"`
	DetailPrice    string `yaml:"detail_price"`
}

// Validate checks that the source can be crawled.
func (s *SourceConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name cannot be empty")
	}
	parsed, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if len(s.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	for _, cat := range s.Categories {
		if !strings.Contains(cat.URL, PagePlaceholder) {
			return fmt.Errorf("category %q url must contain %s", cat.Name, PagePlaceholder)
		}
		if cat.Kind != "" && cat.Kind != "sale" && cat.Kind != "rent" {
			return fmt.Errorf("category %q kind must be sale, rent or empty", cat.Name)
		}
	}
	if s.Selectors.Item == "" || s.Selectors.Link == "" || s.Selectors.Price == "" {
		return fmt.Errorf("item, link and price selectors are required")
	}
	if s.ExpectedPerPage < 0 {
		return fmt.Errorf("expected per page cannot be negative")
	}
	return nil
}

// Host returns the host part of the base URL.
func (s *SourceConfig) Host() string {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Timeout returns the per-request timeout, falling back to def.
func (s *SourceConfig) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSec > 0 {
		return time.Duration(s.TimeoutSec) * time.Second
	}
	return def
}

// PageURL renders a category URL for the given page.
func (c CategoryConfig) PageURL(page int) string {
	return strings.ReplaceAll(c.URL, PagePlaceholder, fmt.Sprint(page))
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources reads source definitions from path, or the embedded defaults
// when path is empty.
func LoadSources(path string) ([]SourceConfig, error) {
	data := defaultSources
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read sources file: %w", err)
		}
		data = raw
	}
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	return file.Sources, nil
}

// City is one entry of the city lookup table.
type City struct {
	Name      string   `yaml:"name"`
	Aliases   []string `yaml:"aliases"`
	Districts []string `yaml:"districts"`
}

// CityTable is the versioned list of known cities used to decompose
// free-text locations.
type CityTable struct {
	Version string `yaml:"version"`
	Cities  []City `yaml:"cities"`
}

// Len returns the number of cities.
func (t *CityTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Cities)
}

// LoadCities reads the city table from path, or the embedded default.
func LoadCities(path string) (*CityTable, error) {
	data := defaultCities
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read cities file: %w", err)
		}
		data = raw
	}
	return ParseCities(data)
}

// ParseCities decodes a YAML city table.
func ParseCities(data []byte) (*CityTable, error) {
	var table CityTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse cities: %w", err)
	}
	for _, c := range table.Cities {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("city table %s: entry with empty name", table.Version)
		}
	}
	return &table, nil
}
