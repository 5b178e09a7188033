// Package mock provides test double implementations of AI service interfaces.
//
// This package contains mock implementations of ai.Embedder, ai.TextTransformer,
// and ai.Provider for use in unit tests. The mocks allow tests to run without
// external AI service dependencies and enable controlled, deterministic behavior.
//
// # Usage in Tests
//
//	// Basic usage with default behavior
//	mockProvider := mock.NewMockProvider()
//	embeddings, err := mockProvider.Embedder().EmbedText(ctx, "test")
//
//	// Custom behavior injection
//	transformer := mock.NewMockTransformer()
//	transformer.AnalyzeFunc = func(ctx context.Context, text, _ string) (*ai.Analysis, error) {
//	    return nil, &ai.TransformError{Retryable: true, Err: errors.New("busy")}
//	}
//
//	// Check call counts
//	count := transformer.CallCount()
//
// # Default Behavior
//
// The mock implementations provide sensible defaults:
//
//   - MockEmbedder: Returns normalized bag-of-words vectors, so texts that
//     share words score as similar
//   - MockTransformer: Tags the most frequent words and summarizes with the first line
//   - MockProvider: Aggregates mock embedder and transformer
//
// Call counters are atomic; the mocks are safe to share between goroutines
// as long as the Func fields are set before use.
package mock
