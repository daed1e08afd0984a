// Package sources holds the source catalog (which sites a query can fan out
// to) and the task-tagging convention that marks a page as orchestrated.
package sources

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// QueryPlaceholder is replaced by the escaped query in a source URL template.
const QueryPlaceholder = "%s"

//go:embed default.yaml
var defaultCatalog []byte

// parsableCategories are the categories whose result pages are text listings
// suitable for aggregation. Sources may override this with an explicit flag.
var parsableCategories = []string{
	"search", "ai", "encyclopedia", "programming", "question", "news", "academic",
}

// IsParsableCategory reports whether sources in category are aggregated by default.
func IsParsableCategory(category string) bool {
	return slices.Contains(parsableCategories, category)
}

// Source is one configured third-party result-listing site.
type Source struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Category string `yaml:"category"`

	// Parsable overrides the category default when set.
	Parsable *bool `yaml:"parsable,omitempty"`

	// Escalate marks sources whose markup depends on resource classes the
	// loading policy blocks; a zero-result timeout retries them unblocked.
	Escalate bool `yaml:"escalate,omitempty"`
}

// IsParsable reports whether the source takes part in aggregation dispatch.
func (s Source) IsParsable() bool {
	if s.Parsable != nil {
		return *s.Parsable
	}
	return IsParsableCategory(s.Category)
}

// Category groups sources for selection and defaults.
type Category struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

// File is the on-disk catalog format.
type File struct {
	Categories []Category `yaml:"categories"`
	Sources    []Source   `yaml:"sources"`
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("sources: decode catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Sources))
	for i, s := range f.Sources {
		if s.ID == "" {
			return nil, fmt.Errorf("sources: entry %d has no id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("sources: duplicate id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if n := strings.Count(s.URL, QueryPlaceholder); n != 1 {
			return nil, fmt.Errorf("sources: %q url must contain exactly one %s placeholder, found %d", s.ID, QueryPlaceholder, n)
		}
		if f.Sources[i].Name == "" {
			f.Sources[i].Name = s.ID
		}
	}
	return &f, nil
}

// Catalog is the live, reloadable set of sources. It is safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	categories []Category
	sources    []Source
	byID       map[string]Source
}

// NewCatalog builds a catalog from a parsed file.
func NewCatalog(f *File) *Catalog {
	c := &Catalog{}
	c.replace(f)
	return c
}

// Load reads the catalog at path, or the embedded default catalog when path
// is empty. A catalog with no sources is a configuration failure.
func Load(path string) (*Catalog, error) {
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("sources: catalog %q defines no sources", displayPath(path))
	}
	return NewCatalog(f), nil
}

// Reload re-reads path and swaps the catalog contents. On failure the
// previous contents are kept.
func (c *Catalog) Reload(path string) error {
	f, err := readFile(path)
	if err != nil {
		return err
	}
	if len(f.Sources) == 0 {
		return fmt.Errorf("sources: catalog %q defines no sources", displayPath(path))
	}
	c.replace(f)
	slog.Info("source catalog reloaded", "path", displayPath(path), "sources", len(f.Sources))
	return nil
}

func (c *Catalog) replace(f *File) {
	byID := make(map[string]Source, len(f.Sources))
	for _, s := range f.Sources {
		byID[s.ID] = s
	}
	c.mu.Lock()
	c.categories = slices.Clone(f.Categories)
	c.sources = slices.Clone(f.Sources)
	c.byID = byID
	c.mu.Unlock()
}

// Get returns the source with the given id.
func (c *Catalog) Get(id string) (Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s, ok
}

// List returns all sources in catalog order.
func (c *Catalog) List() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.sources)
}

// Categories returns the configured categories in catalog order.
func (c *Catalog) Categories() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.categories)
}

// Len returns the number of configured sources.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}

// ForAggregation resolves ids to parsable sources, ignoring unknown and
// non-parsable ids. With no ids it falls back to the first n parsable sources
// of defaultCategory.
func (c *Catalog) ForAggregation(ids []string, defaultCategory string, n int) []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Source
	if len(ids) > 0 {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			s, ok := c.byID[id]
			if !ok || !s.IsParsable() {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, s)
		}
		return out
	}

	for _, s := range c.sources {
		if len(out) >= n {
			break
		}
		if s.Category == defaultCategory && s.IsParsable() {
			out = append(out, s)
		}
	}
	return out
}

// ForOpen resolves ids to sources eligible for direct open (any source).
func (c *Catalog) ForOpen(ids []string) []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Source, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func readFile(path string) (*File, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sources: read catalog: %w", err)
	}
	return Parse(data)
}

func displayPath(path string) string {
	if path == "" {
		return "<embedded>"
	}
	return path
}
