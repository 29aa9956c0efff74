// Package retrieval fans a grounding query out across the tenant's fact
// sources in parallel and merges the results by priority. Sources degrade
// independently: a failing source contributes nothing instead of failing the
// turn.
package retrieval

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"cartbot/internal/logging"
	"cartbot/internal/types"
)

// Query is one grounding request.
type Query struct {
	TenantID string
	Text     string
	TopK     int
	MinScore float64
}

// Source is one fact provider the synthesizer consults.
type Source interface {
	Name() string
	Fetch(ctx context.Context, q Query) ([]types.Fact, error)
}

// Config tunes the synthesizer.
type Config struct {
	TopK     int
	MinScore float64
	Timeout  time.Duration
}

// Synthesizer merges facts from all registered sources.
type Synthesizer struct {
	sources []Source
	cfg     Config
}

// New creates a synthesizer over the given sources.
func New(cfg Config, sources ...Source) *Synthesizer {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Synthesizer{sources: sources, cfg: cfg}
}

// Synthesize queries every source in parallel and merges by priority.
// Confidence 0 means nothing scored above threshold; the caller must answer
// with explicit uncertainty and offer a handoff rather than guess.
func (s *Synthesizer) Synthesize(ctx context.Context, tenantID, text string) (types.Synthesis, error) {
	if tenantID == "" {
		return types.Synthesis{}, types.ErrTenantScopeMissing
	}
	q := Query{TenantID: tenantID, Text: text, TopK: s.cfg.TopK, MinScore: s.cfg.MinScore}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	results := make([][]types.Fact, len(s.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.sources {
		g.Go(func() error {
			timer := logging.StartTimer(logging.CategoryRetrieval, "fetch:"+src.Name())
			facts, err := src.Fetch(gctx, q)
			timer.Stop()
			if err != nil {
				// Partial degradation: log and move on.
				logging.Retrieval("source %s failed, continuing without it: %v", src.Name(), err)
				return nil
			}
			results[i] = facts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.Synthesis{}, err
	}

	merged := s.merge(results)
	confidence := 0.0
	for _, f := range merged {
		if f.Score > confidence {
			confidence = f.Score
		}
	}
	logging.RetrievalDebug("synthesize tenant=%s query_len=%d facts=%d confidence=%.2f",
		tenantID, len(text), len(merged), confidence)
	return types.Synthesis{Facts: merged, Confidence: confidence}, nil
}

// merge flattens per-source results and resolves key collisions. Lower
// Priority wins; an equal-priority collision with different text keeps the
// most recently indexed fact and marks it as a surfaced conflict.
func (s *Synthesizer) merge(results [][]types.Fact) []types.Fact {
	byKey := make(map[string]types.Fact)
	for _, facts := range results {
		for _, f := range facts {
			if f.Score < s.cfg.MinScore {
				continue
			}
			cur, ok := byKey[f.Key]
			if !ok {
				byKey[f.Key] = f
				continue
			}
			switch {
			case f.Priority < cur.Priority:
				byKey[f.Key] = f
			case f.Priority > cur.Priority:
				// keep cur
			case f.Text == cur.Text:
				if f.Score > cur.Score {
					byKey[f.Key] = f
				}
			default:
				// Same priority, different content: keep the freshest and
				// surface the disagreement.
				winner := cur
				if f.IndexedAt.After(cur.IndexedAt) {
					winner = f
				}
				winner.Conflict = true
				byKey[f.Key] = winner
				logging.Retrieval("conflict on %q at priority %d, keeping most recent", f.Key, f.Priority)
			}
		}
	}

	out := make([]types.Fact, 0, len(byKey))
	for _, f := range byKey {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > s.cfg.TopK {
		out = out[:s.cfg.TopK]
	}
	return out
}
