package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

// =============================================================================
// FACT SOURCES
// =============================================================================
// Priority bands: tenant documents (1) beat the live database (2) beat
// cached external enrichment (3). Price and stock are the exception in
// spirit, not in mechanism: the database source emits them under keys no
// document source produces, so they never collide.

// DocSource adapts a document/vector searcher.
type DocSource struct {
	Searcher tenant.DocumentSearcher
}

// NewDocSource creates a document-backed source.
func NewDocSource(searcher tenant.DocumentSearcher) *DocSource {
	return &DocSource{Searcher: searcher}
}

func (s *DocSource) Name() string { return "documents" }

func (s *DocSource) Fetch(ctx context.Context, q Query) ([]types.Fact, error) {
	chunks, err := s.Searcher.Search(ctx, q.Text, q.TenantID, q.TopK)
	if err != nil {
		return nil, err
	}
	facts := make([]types.Fact, 0, len(chunks))
	for _, c := range chunks {
		facts = append(facts, types.Fact{
			Key:       "doc:" + c.DocID,
			Text:      c.Text,
			Source:    types.SourceDocument,
			Priority:  1,
			Score:     c.Score,
			IndexedAt: c.IndexedAt,
		})
	}
	return facts, nil
}

// DBSource reads live catalog state. Price and stock facts always come from
// here, never from indexed documents, so they are current at answer time.
type DBSource struct {
	Catalog tenant.CatalogReader

	now func() time.Time
}

// NewDBSource creates a catalog-backed source.
func NewDBSource(catalog tenant.CatalogReader) *DBSource {
	return &DBSource{Catalog: catalog, now: time.Now}
}

func (s *DBSource) Name() string { return "database" }

func (s *DBSource) Fetch(ctx context.Context, q Query) ([]types.Fact, error) {
	items, err := s.Catalog.ListItems(ctx, q.TenantID)
	if err != nil {
		return nil, err
	}
	queryWords := tokenize(q.Text)
	var facts []types.Fact
	for _, item := range items {
		score := titleOverlap(queryWords, item.Title)
		if score <= 0 {
			continue
		}
		now := s.now()
		facts = append(facts,
			types.Fact{
				Key:       "price:" + item.ID,
				Text:      fmt.Sprintf("%s costs %d cents.", item.Title, item.PriceCents),
				Source:    types.SourceDatabase,
				Priority:  2,
				Score:     score,
				IndexedAt: now,
			},
			types.Fact{
				Key:       "stock:" + item.ID,
				Text:      fmt.Sprintf("%s has %d in stock.", item.Title, item.Stock),
				Source:    types.SourceDatabase,
				Priority:  2,
				Score:     score,
				IndexedAt: now,
			},
		)
	}
	return facts, nil
}

// CacheSource serves pre-fetched external enrichment. Cache-only: a miss
// contributes nothing and never triggers a fetch on the message path.
type CacheSource struct {
	Cache tenant.EnrichmentCache

	now func() time.Time
}

// NewCacheSource creates an enrichment-cache source.
func NewCacheSource(cache tenant.EnrichmentCache) *CacheSource {
	return &CacheSource{Cache: cache, now: time.Now}
}

func (s *CacheSource) Name() string { return "external" }

func (s *CacheSource) Fetch(ctx context.Context, q Query) ([]types.Fact, error) {
	text, ok := s.Cache.Lookup(ctx, q.TenantID, normalizeQuery(q.Text))
	if !ok {
		return nil, nil
	}
	return []types.Fact{{
		Key:       "external:" + normalizeQuery(q.Text),
		Text:      text,
		Source:    types.SourceExternal,
		Priority:  3,
		Score:     0.5,
		IndexedAt: s.now(),
	}}, nil
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// titleOverlap scores how many query words appear in the item title.
func titleOverlap(queryWords []string, title string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	titleLower := strings.ToLower(title)
	hits := 0
	for _, w := range queryWords {
		if strings.Contains(titleLower, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(queryWords))
}

func normalizeQuery(text string) string {
	return strings.Join(tokenize(text), " ")
}
