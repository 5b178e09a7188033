package mock

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/poiesic/alexandria/ai"
)

// MockTransformer is a test double for ai.TextTransformer.
// It allows custom behavior injection via function fields.
type MockTransformer struct {
	// AnalyzeFunc is called by Analyze if set.
	// If nil, uses default keyword analysis.
	AnalyzeFunc func(ctx context.Context, text, instructions string) (*ai.Analysis, error)

	callCount atomic.Int64
}

// NewMockTransformer creates a mock transformer with default behavior.
func NewMockTransformer() *MockTransformer {
	return &MockTransformer{}
}

// Analyze returns a deterministic analysis of text.
// Default behavior: the five most frequent words of four or more letters
// become tags, ties broken alphabetically; the first line is the summary.
func (m *MockTransformer) Analyze(ctx context.Context, text, instructions string) (*ai.Analysis, error) {
	m.callCount.Add(1)

	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, text, instructions)
	}

	counts := map[string]int{}
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if len(word) >= 4 {
			counts[word]++
		}
	}
	tags := make([]string, 0, len(counts))
	for word := range counts {
		tags = append(tags, word)
	}
	slices.SortFunc(tags, func(a, b string) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		return strings.Compare(a, b)
	})
	if len(tags) > 5 {
		tags = tags[:5]
	}

	summary := strings.TrimSpace(text)
	if i := strings.IndexByte(summary, '\n'); i >= 0 {
		summary = summary[:i]
	}

	return &ai.Analysis{
		Classification: "other",
		Summary:        summary,
		Tags:           tags,
		Confidence:     0.5,
	}, nil
}

// CallCount returns the number of times Analyze was called.
func (m *MockTransformer) CallCount() int {
	return int(m.callCount.Load())
}

// Reset clears the call count and custom functions.
func (m *MockTransformer) Reset() {
	m.callCount.Store(0)
	m.AnalyzeFunc = nil
}
