package openai

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/poiesic/alexandria/ai"
)

// lengthClient embeds each text as [len(text), 1] and counts requests.
func lengthClient(calls *atomic.Int32) embeddings.EmbedderClientFunc {
	return func(_ context.Context, texts []string) ([][]float32, error) {
		calls.Add(1)
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = []float32{float32(len(t)), 1}
		}
		return out, nil
	}
}

func TestEmbedder_EmbedTexts(t *testing.T) {
	var calls atomic.Int32
	e, err := newEmbedderWithClient(lengthClient(&calls))
	require.NoError(t, err)

	texts := make([]string, embedBatchSize+3)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	vectors, err := e.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0], "vectors keep input order")
	}
	assert.Equal(t, int32(2), calls.Load(), "texts are sent in batches")

	v, err := e.EmbedText(context.Background(), "line one\nline two")
	require.NoError(t, err)
	assert.Equal(t, []float32{17, 1}, v)

	empty, err := e.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEmbedder_Errors(t *testing.T) {
	tests := []struct {
		name      string
		client    embeddings.EmbedderClientFunc
		retryable bool
	}{
		{
			name: "service failure",
			client: func(context.Context, []string) ([][]float32, error) {
				return nil, errors.New("503 service unavailable")
			},
			retryable: true,
		},
		{
			name: "cancelled",
			client: func(context.Context, []string) ([][]float32, error) {
				return nil, context.Canceled
			},
		},
		{
			name: "mixed dimensions",
			client: func(_ context.Context, texts []string) ([][]float32, error) {
				return [][]float32{{1, 2}, {1}}[:len(texts)], nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := newEmbedderWithClient(tt.client)
			require.NoError(t, err)

			_, err = e.EmbedTexts(context.Background(), []string{"a", "b"})
			var transformErr *ai.TransformError
			require.ErrorAs(t, err, &transformErr)
			assert.Equal(t, tt.retryable, transformErr.Retryable)
		})
	}
}

func TestCheckVectors(t *testing.T) {
	assert.NoError(t, checkVectors([][]float32{{1, 2}, {3, 4}}, 2))
	assert.ErrorIs(t, checkVectors([][]float32{{1, 2}}, 2), errBadEmbeddings)
	assert.ErrorIs(t, checkVectors([][]float32{{}}, 1), errBadEmbeddings)
}
