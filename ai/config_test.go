package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "http://localhost:11434/v1", cfg.EmbeddingHost)
	assert.Equal(t, "http://localhost:11434/v1", cfg.AnalyzerHost)
	assert.Equal(t, "embeddinggemma", cfg.EmbeddingModel)
	assert.Equal(t, "qwen2.5:3b", cfg.AnalyzerModel)
	assert.Equal(t, "none", cfg.Token)
	assert.Equal(t, 8, cfg.MaxTags)
}

func TestNewConfig(t *testing.T) {
	t.Run("with no options", func(t *testing.T) {
		cfg := NewConfig()

		assert.NotNil(t, cfg)
		// Should have default values
		assert.Equal(t, "http://localhost:11434/v1", cfg.EmbeddingHost)
		assert.Equal(t, "http://localhost:11434/v1", cfg.AnalyzerHost)
		assert.Equal(t, 8, cfg.MaxTags)
	})

	t.Run("with custom host", func(t *testing.T) {
		cfg := NewConfig(WithHost("http://custom:8080/v1"))

		assert.Equal(t, "http://custom:8080/v1", cfg.EmbeddingHost)
		assert.Equal(t, "http://custom:8080/v1", cfg.AnalyzerHost)
	})

	t.Run("with separate hosts", func(t *testing.T) {
		cfg := NewConfig(
			WithEmbeddingHost("http://embed:8080/v1"),
			WithAnalyzerHost("http://analyze:9090/v1"),
		)

		assert.Equal(t, "http://embed:8080/v1", cfg.EmbeddingHost)
		assert.Equal(t, "http://analyze:9090/v1", cfg.AnalyzerHost)
	})

	t.Run("with multiple options", func(t *testing.T) {
		cfg := NewConfig(
			WithHost("http://custom:8080/v1"),
			WithEmbeddingModel("custom-embed"),
			WithAnalyzerModel("custom-analyze"),
			WithToken("sk-test"),
			WithMaxTags(3),
		)

		assert.Equal(t, "http://custom:8080/v1", cfg.EmbeddingHost)
		assert.Equal(t, "custom-embed", cfg.EmbeddingModel)
		assert.Equal(t, "custom-analyze", cfg.AnalyzerModel)
		assert.Equal(t, "sk-test", cfg.Token)
		assert.Equal(t, 3, cfg.MaxTags)
	})
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name             string
		embeddingHost    string
		analyzerHost     string
		expectedEmbedder string
		expectedAnalyzer string
	}{
		{
			name:             "already has /v1",
			embeddingHost:    "http://localhost:11434/v1",
			analyzerHost:     "http://localhost:11434/v1",
			expectedEmbedder: "http://localhost:11434/v1",
			expectedAnalyzer: "http://localhost:11434/v1",
		},
		{
			name:             "missing /v1",
			embeddingHost:    "http://localhost:11434",
			analyzerHost:     "http://localhost:11434",
			expectedEmbedder: "http://localhost:11434/v1",
			expectedAnalyzer: "http://localhost:11434/v1",
		},
		{
			name:             "has trailing slash",
			embeddingHost:    "http://localhost:11434/",
			analyzerHost:     "http://localhost:11434/",
			expectedEmbedder: "http://localhost:11434/v1",
			expectedAnalyzer: "http://localhost:11434/v1",
		},
		{
			name:             "empty hosts",
			expectedEmbedder: "",
			expectedAnalyzer: "",
		},
		{
			name:             "different formats",
			embeddingHost:    "http://embed:8080",
			analyzerHost:     "http://analyze:9090/v1",
			expectedEmbedder: "http://embed:8080/v1",
			expectedAnalyzer: "http://analyze:9090/v1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				EmbeddingHost: tt.embeddingHost,
				AnalyzerHost:  tt.analyzerHost,
			}

			cfg.Normalize()

			assert.Equal(t, tt.expectedEmbedder, cfg.EmbeddingHost)
			assert.Equal(t, tt.expectedAnalyzer, cfg.AnalyzerHost)
			assert.Equal(t, "none", cfg.Token)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			EmbeddingHost:  "http://localhost:11434",
			AnalyzerHost:   "http://localhost:11434",
			EmbeddingModel: "embeddinggemma",
			AnalyzerModel:  "qwen2.5:3b",
			MaxTags:        8,
		}
	}

	t.Run("valid config", func(t *testing.T) {
		cfg := valid()
		require.NoError(t, cfg.Validate())

		// Should also normalize
		assert.Equal(t, "http://localhost:11434/v1", cfg.EmbeddingHost)
		assert.Equal(t, "http://localhost:11434/v1", cfg.AnalyzerHost)
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		errText string
	}{
		{"missing embedding host", func(c *Config) { c.EmbeddingHost = "" }, "EmbeddingHost"},
		{"missing analyzer host", func(c *Config) { c.AnalyzerHost = "" }, "AnalyzerHost"},
		{"missing embedding model", func(c *Config) { c.EmbeddingModel = "" }, "EmbeddingModel"},
		{"missing analyzer model", func(c *Config) { c.AnalyzerModel = "" }, "AnalyzerModel"},
		{"max tags too low", func(c *Config) { c.MaxTags = 0 }, "MaxTags"},
		{"max tags too high", func(c *Config) { c.MaxTags = 51 }, "MaxTags"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}

	t.Run("max tags at boundaries", func(t *testing.T) {
		cfg := valid()
		cfg.MaxTags = 1
		assert.NoError(t, cfg.Validate())
		cfg.MaxTags = 50
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigValidate_Integration(t *testing.T) {
	// Test that NewConfig produces a valid configuration
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	// Test that DefaultConfig produces a valid configuration
	cfg = DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestTransformError(t *testing.T) {
	cause := assert.AnError
	retryable := &TransformError{Retryable: true, Err: cause}
	permanent := &TransformError{Retryable: false, Err: cause}

	assert.ErrorIs(t, retryable, cause)
	assert.True(t, retryable.IsRetryable())
	assert.False(t, permanent.IsRetryable())
	assert.Contains(t, permanent.Error(), cause.Error())
}
