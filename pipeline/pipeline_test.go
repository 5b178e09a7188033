package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/alexandria/ai"
	"github.com/poiesic/alexandria/ai/mock"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/extract"
	"github.com/poiesic/alexandria/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const handbook = "# Queue Handbook\n\nBrokers route messages between producers and consumers.\n\n" +
	"## Delivery\n\nBrokers redeliver messages until consumers acknowledge them.\n"

type fixture struct {
	repos       *badger.Repositories
	transformer *mock.MockTransformer
	embedder    *mock.MockEmbedder
	pipeline    *Pipeline
	enriched    atomic.Int64
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StageTimeout = 5 * time.Second
	cfg.Backoff.Base = 100 * time.Millisecond
	cfg.Backoff.Max = time.Second
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })

	extractor, err := extract.New()
	require.NoError(t, err)

	f := &fixture{
		repos:       repos,
		transformer: mock.NewMockTransformer(),
		embedder:    mock.NewMockEmbedder(),
	}
	provider := mock.NewMockProviderWithServices(f.embedder, f.transformer)
	f.pipeline, err = New(repos.Documents, repos.Pipelines, extractor, provider, repos.Vectors,
		WithConfig(cfg),
		WithClock(func() time.Time { return testNow }),
		WithEnrichHook(func(context.Context, core.PipelineState, *ai.Analysis) error {
			f.enriched.Add(1)
			return nil
		}))
	require.NoError(t, err)
	return f
}

func (f *fixture) addDocument(t *testing.T, name, content string) *core.Document {
	t.Helper()
	docs, err := f.repos.Documents.AddDocuments(context.Background(), core.NewDocument(name, []byte(content)))
	require.NoError(t, err)
	return docs[0]
}

// stageRecorder collects the stages an Observer sees.
type stageRecorder struct {
	stages []core.Stage
}

func (r *stageRecorder) observe(state core.PipelineState) {
	r.stages = append(r.stages, state.Stage)
}

func TestNew_RequiresDependencies(t *testing.T) {
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()
	extractor, err := extract.New()
	require.NoError(t, err)
	provider := mock.NewMockProvider()

	_, err = New(nil, repos.Pipelines, extractor, provider, repos.Vectors)
	assert.ErrorIs(t, err, ErrDocumentRepositoryRequired)
	_, err = New(repos.Documents, nil, extractor, provider, repos.Vectors)
	assert.ErrorIs(t, err, ErrStateRepositoryRequired)
	_, err = New(repos.Documents, repos.Pipelines, nil, provider, repos.Vectors)
	assert.ErrorIs(t, err, ErrExtractorRequired)
	_, err = New(repos.Documents, repos.Pipelines, extractor, nil, repos.Vectors)
	assert.ErrorIs(t, err, ErrAIProviderRequired)
	_, err = New(repos.Documents, repos.Pipelines, extractor, provider, nil)
	assert.ErrorIs(t, err, ErrVectorIndexRequired)

	bad := DefaultConfig()
	bad.MaxAttempts = 0
	_, err = New(repos.Documents, repos.Pipelines, extractor, provider, repos.Vectors, WithConfig(bad))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRun_Completes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	doc := f.addDocument(t, "handbook.md", handbook)

	rec := &stageRecorder{}
	out := f.pipeline.Run(ctx, core.NewPipelineState("b1", doc.Id), NewToken(), rec.observe)

	require.Equal(t, Completed, out.Result, "err: %v", out.Err)
	assert.Equal(t, []core.Stage{
		core.StageValidating, core.StageExtracting, core.StageAnalyzing,
		core.StageEnriching, core.StageCompleted,
	}, rec.stages)
	assert.Equal(t, core.StageCompleted, out.State.Stage)
	assert.Equal(t, 0, out.State.AttemptCount)
	require.NotNil(t, out.Analysis)

	meta := out.State.Metadata
	assert.Equal(t, "handbook.md", meta[MetaName])
	assert.Equal(t, "markdown", meta[MetaType])
	assert.Equal(t, "Queue Handbook", meta[MetaTitle])
	assert.Equal(t, "2", meta[MetaSections])
	assert.Equal(t, "other", meta[MetaClassification])
	assert.Contains(t, meta[MetaTags], "brokers")
	assert.Equal(t, "64", meta[MetaDimensions])

	saved, err := f.repos.Pipelines.GetState(ctx, "b1", doc.Id)
	require.NoError(t, err)
	assert.Equal(t, core.StageCompleted, saved.Stage)
	assert.Equal(t, meta, saved.Metadata)

	vector, err := f.embedder.EmbedText(ctx, "brokers redeliver messages")
	require.NoError(t, err)
	matches, err := f.repos.Vectors.Query(ctx, vector, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, doc.Id, matches[0].DocumentID)
	assert.Equal(t, "b1", matches[0].Metadata["batch"])

	assert.EqualValues(t, 1, f.enriched.Load())
}

func TestRun_TerminalFailures(t *testing.T) {
	tests := []struct {
		name    string
		docName string
		content string
		limit   int
		wantErr error
	}{
		{"unsupported type", "blob.bin", "data", 0, core.ErrUnsupportedType},
		{"bad pdf header", "paper.pdf", "not a pdf", 0, core.ErrValidation},
		{"invalid utf8", "notes.txt", "\xff\xfe", 0, core.ErrValidation},
		{"too large for analysis", "long.txt", "words words words words", 5, core.ErrContentTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.limit > 0 {
				cfg.MaxAnalysisChars = tt.limit
			}
			f := newFixture(t, cfg)
			doc := f.addDocument(t, tt.docName, tt.content)

			out := f.pipeline.Run(context.Background(), core.NewPipelineState("b1", doc.Id), nil, nil)

			assert.Equal(t, Failed, out.Result)
			assert.Equal(t, core.ClassValidation, out.Class)
			assert.ErrorIs(t, out.Err, tt.wantErr)
			assert.Equal(t, core.StageFailed, out.State.Stage)
			assert.Equal(t, 1, out.State.AttemptCount)
			assert.NotEmpty(t, out.State.LastError)
			assert.Equal(t, 0, f.embedder.CallCount())
		})
	}
}

func TestRun_MissingDocument(t *testing.T) {
	f := newFixture(t, testConfig())
	out := f.pipeline.Run(context.Background(), core.NewPipelineState("b1", core.ID(42)), nil, nil)

	assert.Equal(t, Failed, out.Result)
	assert.ErrorIs(t, out.Err, core.ErrValidation)
	assert.Equal(t, 0, f.transformer.CallCount())
}

func TestRun_RetryIsIdempotent(t *testing.T) {
	ctx := context.Background()

	clean := newFixture(t, testConfig())
	doc := clean.addDocument(t, "handbook.md", handbook)
	want := clean.pipeline.Run(ctx, core.NewPipelineState("b1", doc.Id), nil, nil)
	require.Equal(t, Completed, want.Result)

	f := newFixture(t, testConfig())
	doc = f.addDocument(t, "handbook.md", handbook)
	var calls atomic.Int64
	f.transformer.AnalyzeFunc = func(ctx context.Context, text, instructions string) (*ai.Analysis, error) {
		if calls.Add(1) == 1 {
			return nil, &ai.TransformError{Retryable: true, Err: errors.New("model overloaded")}
		}
		f.transformer.AnalyzeFunc = nil
		return f.transformer.Analyze(ctx, text, instructions)
	}

	first := f.pipeline.Run(ctx, core.NewPipelineState("b1", doc.Id), nil, nil)
	require.Equal(t, Retry, first.Result)
	assert.Equal(t, core.ClassTransient, first.Class)
	assert.Equal(t, core.StageFailed, first.State.Stage)
	assert.Equal(t, 1, first.State.AttemptCount)
	assert.Equal(t, testNow.Add(100*time.Millisecond), first.State.NextRetryAt)
	assert.Contains(t, first.State.LastError, "model overloaded")

	rec := &stageRecorder{}
	second := f.pipeline.Run(ctx, first.State, nil, rec.observe)
	require.Equal(t, Completed, second.Result, "err: %v", second.Err)
	assert.Equal(t, core.StageValidating, rec.stages[0])
	assert.Equal(t, 1, second.State.AttemptCount)
	assert.True(t, second.State.NextRetryAt.IsZero())
	assert.Equal(t, want.State.Metadata, second.State.Metadata)
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	doc := f.addDocument(t, "handbook.md", handbook)
	f.embedder.EmbedTextFunc = func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}

	state := core.NewPipelineState("b1", doc.Id)
	var delays []time.Duration
	for attempt := 1; attempt <= 2; attempt++ {
		out := f.pipeline.Run(ctx, state, nil, nil)
		require.Equal(t, Retry, out.Result, "attempt %d", attempt)
		delays = append(delays, out.State.NextRetryAt.Sub(testNow))
		state = out.State
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)

	out := f.pipeline.Run(ctx, state, nil, nil)
	assert.Equal(t, Failed, out.Result)
	assert.Equal(t, core.ClassTransient, out.Class)
	assert.Equal(t, 3, out.State.AttemptCount)
	assert.Equal(t, 3, f.transformer.CallCount())

	again := f.pipeline.Run(ctx, out.State, nil, nil)
	assert.Equal(t, Failed, again.Result)
	assert.Equal(t, 3, f.transformer.CallCount(), "an exhausted state is not rerun")
}

func TestRun_Cancellation(t *testing.T) {
	ctx := context.Background()

	t.Run("before start", func(t *testing.T) {
		f := newFixture(t, testConfig())
		doc := f.addDocument(t, "handbook.md", handbook)
		token := NewToken()
		token.Cancel()

		rec := &stageRecorder{}
		out := f.pipeline.Run(ctx, core.NewPipelineState("b1", doc.Id), token, rec.observe)
		assert.Equal(t, Cancelled, out.Result)
		assert.ErrorIs(t, out.Err, core.ErrCancelled)
		assert.Equal(t, []core.Stage{core.StageCancelled}, rec.stages)

		saved, err := f.repos.Pipelines.GetState(ctx, "b1", doc.Id)
		require.NoError(t, err)
		assert.Equal(t, core.StageCancelled, saved.Stage)
	})

	t.Run("running stage finishes first", func(t *testing.T) {
		f := newFixture(t, testConfig())
		doc := f.addDocument(t, "handbook.md", handbook)
		token := NewToken()
		var stageErr error
		f.transformer.AnalyzeFunc = func(ctx context.Context, _, _ string) (*ai.Analysis, error) {
			token.Cancel()
			time.Sleep(50 * time.Millisecond)
			stageErr = ctx.Err()
			return &ai.Analysis{Classification: "documentation", Summary: "handbook", Confidence: 0.9}, nil
		}

		rec := &stageRecorder{}
		out := f.pipeline.Run(ctx, core.NewPipelineState("b1", doc.Id), token, rec.observe)
		assert.NoError(t, stageErr, "the analyzing stage must not be preempted")
		assert.Equal(t, Cancelled, out.Result)
		assert.Equal(t, []core.Stage{
			core.StageValidating, core.StageExtracting, core.StageAnalyzing, core.StageCancelled,
		}, rec.stages)
		assert.Equal(t, 0, out.State.AttemptCount)
		assert.Equal(t, 1, f.transformer.CallCount())
		assert.Equal(t, 0, f.embedder.CallCount())
		assert.Nil(t, out.Analysis)
	})

	t.Run("cancel during the last stage skips completion", func(t *testing.T) {
		f := newFixture(t, testConfig())
		doc := f.addDocument(t, "handbook.md", handbook)
		token := NewToken()
		extractor, err := extract.New()
		require.NoError(t, err)
		provider := mock.NewMockProviderWithServices(f.embedder, f.transformer)
		hooked, err := New(f.repos.Documents, f.repos.Pipelines, extractor, provider, f.repos.Vectors,
			WithConfig(testConfig()),
			WithEnrichHook(func(context.Context, core.PipelineState, *ai.Analysis) error {
				token.Cancel()
				return nil
			}))
		require.NoError(t, err)

		out := hooked.Run(ctx, core.NewPipelineState("b1", doc.Id), token, nil)
		assert.Equal(t, Cancelled, out.Result)
		assert.Equal(t, core.StageCancelled, out.State.Stage)
	})

	t.Run("terminal states are returned as is", func(t *testing.T) {
		f := newFixture(t, testConfig())
		state := core.NewPipelineState("b1", core.ID(7))
		state.Stage = core.StageCancelled
		assert.Equal(t, Cancelled, f.pipeline.Run(ctx, state, nil, nil).Result)
		state.Stage = core.StageCompleted
		assert.Equal(t, Completed, f.pipeline.Run(ctx, state, nil, nil).Result)
		assert.Equal(t, 0, f.transformer.CallCount())
	})
}

func TestRun_StageTimeoutIsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.StageTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	doc := f.addDocument(t, "handbook.md", handbook)
	f.transformer.AnalyzeFunc = func(ctx context.Context, _, _ string) (*ai.Analysis, error) {
		<-ctx.Done()
		return nil, &ai.TransformError{Retryable: true, Err: ctx.Err()}
	}

	out := f.pipeline.Run(context.Background(), core.NewPipelineState("b1", doc.Id), NewToken(), nil)
	assert.Equal(t, Retry, out.Result)
	assert.Equal(t, core.ClassTransient, out.Class)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, out.State.AttemptCount)
}

func TestRun_Interrupted(t *testing.T) {
	f := newFixture(t, testConfig())
	doc := f.addDocument(t, "handbook.md", handbook)
	ctx, cancel := context.WithCancel(context.Background())
	f.transformer.AnalyzeFunc = func(ctx context.Context, _, _ string) (*ai.Analysis, error) {
		cancel()
		return nil, ctx.Err()
	}

	out := f.pipeline.Run(ctx, core.NewPipelineState("b1", doc.Id), nil, nil)
	assert.Equal(t, Interrupted, out.Result)
	assert.Equal(t, core.StageAnalyzing, out.State.Stage)
	assert.Equal(t, 0, out.State.AttemptCount)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"stage timeout", func(c *Config) { c.StageTimeout = 0 }},
		{"document size", func(c *Config) { c.MaxDocumentSize = -1 }},
		{"analysis chars", func(c *Config) { c.MaxAnalysisChars = 0 }},
		{"backoff base", func(c *Config) { c.Backoff.Base = 0 }},
		{"backoff max below base", func(c *Config) { c.Backoff.Max = c.Backoff.Base / 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestToken(t *testing.T) {
	var nilToken *Token
	assert.False(t, nilToken.Cancelled())
	nilToken.Cancel()
	assert.Nil(t, nilToken.Done())

	token := NewToken()
	assert.False(t, token.Cancelled())
	token.Cancel()
	token.Cancel()
	assert.True(t, token.Cancelled())
	select {
	case <-token.Done():
	default:
		t.Fatal("Done is not closed after Cancel")
	}
}
