package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/poiesic/alexandria/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func TestMockEmbedder_Deterministic(t *testing.T) {
	ctx := context.Background()
	embedder := NewMockEmbedder()

	a, err := embedder.EmbedText(ctx, "distributed message queues")
	require.NoError(t, err)
	b, err := embedder.EmbedText(ctx, "Distributed message queues!")
	require.NoError(t, err)
	c, err := embedder.EmbedText(ctx, "banana bread recipe")
	require.NoError(t, err)

	assert.Len(t, a, Dimensions)
	assert.InDelta(t, 1.0, dot(a, a), 1e-5)
	assert.InDelta(t, 1.0, dot(a, b), 1e-5, "case and punctuation are ignored")
	assert.Less(t, dot(a, c), dot(a, b))

	batch, err := embedder.EmbedTexts(ctx, []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, 4, embedder.CallCount())

	embedder.EmbedTextFunc = func(context.Context, string) ([]float32, error) {
		return nil, errors.New("down")
	}
	_, err = embedder.EmbedText(ctx, "x")
	assert.Error(t, err)

	embedder.Reset()
	assert.Equal(t, 0, embedder.CallCount())
	assert.Nil(t, embedder.EmbedTextFunc)
}

func TestMockTransformer_Default(t *testing.T) {
	transformer := NewMockTransformer()
	result, err := transformer.Analyze(context.Background(),
		"Queue basics\nqueue queue broker broker broker topic a an the", "")
	require.NoError(t, err)

	assert.Equal(t, "Queue basics", result.Summary)
	assert.Equal(t, []string{"broker", "queue", "basics", "topic"}, result.Tags)
	assert.True(t, ai.IsClassification(result.Classification))
	assert.Equal(t, 1, transformer.CallCount())
}

func TestMockProvider(t *testing.T) {
	provider := NewMockProvider().(*MockProvider)
	assert.Same(t, provider.GetMockEmbedder(), provider.Embedder())
	assert.Same(t, provider.GetMockTransformer(), provider.TextTransformer())
	assert.NoError(t, provider.Close())
}
