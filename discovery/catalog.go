// Package discovery turns capability descriptors into ranked candidate
// packages. Catalogs are queried in parallel with bounded concurrency,
// results are filtered by the tool-server marker, scored for relevance and
// quality, and memoized behind a TTL cache with same-key coalescing.
package discovery

import (
	"context"
	"strings"
	"time"
)

// Entry is one raw catalog search result before filtering and scoring.
type Entry struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Keywords    []string  `json:"keywords"`
	Popularity  float64   `json:"popularity"`
	LastUpdated time.Time `json:"last_updated"`
}

// Catalog is one searchable package source. A failing catalog returns an
// error; the discovery service logs and skips it, never failing the whole
// discovery.
type Catalog interface {
	Name() string
	Search(ctx context.Context, term string) ([]Entry, error)
}

// StaticCatalog serves a fixed entry list, matching terms against name,
// description, and keywords. Used for tests and air-gapped installs where
// the candidate set is known up front.
type StaticCatalog struct {
	CatalogName string
	Entries     []Entry
}

// Name identifies the catalog.
func (s *StaticCatalog) Name() string {
	if s.CatalogName == "" {
		return "static"
	}
	return s.CatalogName
}

// Search returns every entry whose name, description, or keywords contain
// the term.
func (s *StaticCatalog) Search(ctx context.Context, term string) ([]Entry, error) {
	term = strings.ToLower(term)
	var out []Entry
	for _, e := range s.Entries {
		if entryMatches(e, term) {
			out = append(out, e)
		}
	}
	return out, nil
}

func entryMatches(e Entry, term string) bool {
	if strings.Contains(strings.ToLower(e.Name), term) ||
		strings.Contains(strings.ToLower(e.Description), term) {
		return true
	}
	for _, k := range e.Keywords {
		if strings.Contains(strings.ToLower(k), term) {
			return true
		}
	}
	return false
}
