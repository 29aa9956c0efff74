package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

// AddDocument indexes one tenant document for retrieval.
func (s *Store) AddDocument(tenantID, docID, title, content string, indexedAt time.Time) error {
	if tenantID == "" {
		return types.ErrTenantScopeMissing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO documents (id, tenant_id, title, content, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			indexed_at = excluded.indexed_at`,
		docID, tenantID, title, content, indexedAt)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	return nil
}

// Search implements tenant.DocumentSearcher with keyword scoring over the
// tenant's documents. With the sqlite_vec build tag a vector index handles
// semantic search instead; this path is the portable default.
func (s *Store) Search(_ context.Context, query, tenantNamespace string, topK int) ([]tenant.Chunk, error) {
	if tenantNamespace == "" {
		return nil, types.ErrTenantScopeMissing
	}
	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	rows, err := s.db.Query(`SELECT id, title, content, indexed_at FROM documents WHERE tenant_id = ?`, tenantNamespace)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}

	words := queryWords(query)
	var chunks []tenant.Chunk
	for rows.Next() {
		var id, title, content string
		var indexedAt time.Time
		if err := rows.Scan(&id, &title, &content, &indexedAt); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		score := keywordScore(words, title+" "+content)
		if score <= 0 {
			continue
		}
		chunks = append(chunks, tenant.Chunk{DocID: id, Text: content, Score: score, IndexedAt: indexedAt})
	}
	err = rows.Err()
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

func queryWords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func keywordScore(words []string, text string) float64 {
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}
