package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/poiesic/alexandria/ai"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/pipeline"
	"github.com/poiesic/alexandria/storage"
)

// DefaultMinSimilarity is the similarity below which a vector match alone
// does not make a hit.
const DefaultMinSimilarity = 0.60

// candidateFactor widens the vector query so tag matches further down the
// similarity ranking can still surface.
const candidateFactor = 3

// Result is a ranked search hit.
type Result struct {
	DocumentID     core.ID  `json:"document_id"`
	Score          float32  `json:"score"`
	Similarity     float32  `json:"similarity"`
	Title          string   `json:"title,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	BatchID        string   `json:"batch_id,omitempty"`
}

// Searcher provides hybrid semantic and tag search over processed documents.
type Searcher struct {
	index         storage.VectorIndex
	embedder      ai.Embedder
	minSimilarity float32
	logger        *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMinSimilarity sets the similarity a vector match needs to count as a hit.
// Default is DefaultMinSimilarity.
func WithMinSimilarity(similarity float32) Option {
	return func(s *Searcher) error {
		if similarity < 0 || similarity > 1 {
			return fmt.Errorf("min similarity must be between 0 and 1, got %v", similarity)
		}
		s.minSimilarity = similarity
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(index storage.VectorIndex, provider ai.Provider, opts ...Option) (*Searcher, error) {
	if index == nil {
		return nil, ErrVectorIndexRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}

	s := &Searcher{
		index:         index,
		embedder:      provider.Embedder(),
		minSimilarity: DefaultMinSimilarity,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")
	return s, nil
}

// Search returns up to maxHits documents relevant to query, best first.
func (s *Searcher) Search(ctx context.Context, query string, maxHits int) ([]Result, error) {
	return s.SearchWithMonitor(ctx, query, maxHits, nil)
}

// SearchWithMonitor searches like Search. The monitor receives callbacks at
// each stage of the search process.
func (s *Searcher) SearchWithMonitor(ctx context.Context, query string, maxHits int, monitor SearchMonitor) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if maxHits <= 0 {
		return nil, fmt.Errorf("%w: max hits must be positive, got %d", storage.ErrInvalidQuery, maxHits)
	}
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	monitor.Start(query)

	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", query, "err", err)
		return nil, err
	}
	matches, err := s.index.Query(ctx, embedding, maxHits*candidateFactor)
	if err != nil {
		s.logger.Error("error querying vector index", "err", err)
		return nil, err
	}
	monitor.AfterSemanticSearch(matches)

	queryWords := tokenizeAndFilter(query)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		r := newResult(m)
		semantic := m.Score >= s.minSimilarity
		tagged := sharesWord(r.Tags, queryWords)

		switch {
		case semantic && tagged:
			r.Score = 1.5 * m.Score
			monitor.SemanticAndTaggedHit(r)
		case tagged:
			r.Score = 1.2
			monitor.TaggedHit(r)
		case semantic:
			r.Score = m.Score
			monitor.SemanticHit(r)
		default:
			continue
		}

		if containsAllQueryWords(r.Title+" "+r.Summary+" "+strings.Join(r.Tags, " "), query) {
			r.Score += 0.3
		}
		results = append(results, r)
	}

	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.DocumentID, b.DocumentID)
	})
	if len(results) > maxHits {
		results = results[:maxHits]
	}
	monitor.Finish(results)
	s.logger.Debug("search finished", "query", query, "candidates", len(matches), "hits", len(results))
	return results, nil
}

func newResult(m core.Match) Result {
	r := Result{
		DocumentID:     m.DocumentID,
		Similarity:     m.Score,
		Title:          m.Metadata[pipeline.MetaTitle],
		Classification: m.Metadata[pipeline.MetaClassification],
		Summary:        m.Metadata[pipeline.MetaSummary],
		BatchID:        m.Metadata[pipeline.MetaBatch],
	}
	if tags := m.Metadata[pipeline.MetaTags]; tags != "" {
		r.Tags = strings.Split(tags, ",")
	}
	return r
}

func sharesWord(tags, words []string) bool {
	for _, tag := range tags {
		if slices.Contains(words, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}
