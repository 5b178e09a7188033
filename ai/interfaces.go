package ai

import "context"

// Embedder generates vector embeddings from text for semantic similarity search.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// EmbedText generates a vector embedding for a single text string.
	// The returned vector represents the semantic meaning of the text.
	// Returns an error if the embedding generation fails.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates vector embeddings for multiple text strings in a batch.
	// Batch processing is more efficient than calling EmbedText multiple times.
	// The returned slice contains embeddings in the same order as the input texts.
	// Returns an error if any embedding generation fails.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// TextTransformer analyzes document text with a language model.
// Implementations must be thread-safe for concurrent use.
type TextTransformer interface {
	// Analyze classifies, summarizes and suggests tags for text.
	// instructions, when non-empty, are appended to the model's system prompt.
	// Failures are returned as *TransformError so callers can tell whether
	// repeating the call could help.
	Analyze(ctx context.Context, text, instructions string) (*Analysis, error)
}

// Analysis is the structured result of analyzing a document.
type Analysis struct {
	// Classification is one of Classifications.
	Classification string

	// Summary is a short abstract of the text.
	Summary string

	// Tags are lowercase keywords, most relevant first, at most Config.MaxTags.
	Tags []string

	// Confidence is the model's confidence in the classification, 0 to 1.
	Confidence float64
}

// Provider aggregates AI services for convenient initialization and lifecycle management.
// A provider creates and manages Embedder and TextTransformer instances,
// ensuring they share configuration and resources appropriately.
type Provider interface {
	// Embedder returns the text embedding service.
	// The returned Embedder is safe for concurrent use.
	Embedder() Embedder

	// TextTransformer returns the text analysis service.
	// The returned TextTransformer is safe for concurrent use.
	TextTransformer() TextTransformer

	// Close releases resources held by the provider and its services.
	// After Close is called, the provider and its services should not be used.
	Close() error
}
