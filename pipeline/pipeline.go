// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/alexandria/ai"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/extract"
	"github.com/poiesic/alexandria/storage"
)

// Result is the kind of outcome a pipeline run ends with.
type Result int

const (
	// Completed means every stage succeeded.
	Completed Result = iota + 1
	// Retry means a transient failure occurred and attempts remain. The
	// state is failed with NextRetryAt set.
	Retry
	// Failed means the document cannot be processed.
	Failed
	// Cancelled means the cancellation token fired.
	Cancelled
	// Interrupted means the caller's context ended. The state is left at the
	// stage that was running and nothing is reported.
	Interrupted
)

func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case Retry:
		return "retry"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Interrupted:
		return "interrupted"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Outcome is what Run returns instead of an error.
type Outcome struct {
	Result   Result
	State    core.PipelineState
	Class    core.ErrorClass // Set for Retry and Failed
	Err      error
	Analysis *ai.Analysis // Set for Completed
}

// Observer is called after every persisted stage transition.
type Observer func(state core.PipelineState)

// EnrichFunc receives each document that reaches the enriching stage, after
// its vector is indexed. Errors are logged and do not fail the document.
type EnrichFunc func(ctx context.Context, state core.PipelineState, analysis *ai.Analysis) error

// Pipeline runs documents through validation, extraction, analysis and
// enrichment. It holds no per-document state and is safe for concurrent use.
type Pipeline struct {
	documents   storage.DocumentRepository
	states      storage.PipelineRepository
	extractor   extract.Extractor
	transformer ai.TextTransformer
	embedder    ai.Embedder
	index       storage.VectorIndex
	enrich      EnrichFunc
	config      Config
	now         func() time.Time
	logger      *slog.Logger
	stages      []stage
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithConfig replaces the default configuration.
func WithConfig(config Config) Option {
	return func(p *Pipeline) error {
		if err := config.Validate(); err != nil {
			return err
		}
		p.config = config
		return nil
	}
}

// WithEnrichHook installs a function called for every enriched document.
func WithEnrichHook(fn EnrichFunc) Option {
	return func(p *Pipeline) error {
		p.enrich = fn
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithClock sets the time source used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) error {
		p.now = now
		return nil
	}
}

// New creates a pipeline.
func New(
	documents storage.DocumentRepository,
	states storage.PipelineRepository,
	extractor extract.Extractor,
	provider ai.Provider,
	index storage.VectorIndex,
	opts ...Option,
) (*Pipeline, error) {
	if documents == nil {
		return nil, ErrDocumentRepositoryRequired
	}
	if states == nil {
		return nil, ErrStateRepositoryRequired
	}
	if extractor == nil {
		return nil, ErrExtractorRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}
	if index == nil {
		return nil, ErrVectorIndexRequired
	}

	p := &Pipeline{
		documents:   documents,
		states:      states,
		extractor:   extractor,
		transformer: provider.TextTransformer(),
		embedder:    provider.Embedder(),
		index:       index,
		config:      DefaultConfig(),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "pipeline")
	p.stages = []stage{
		{core.StageValidating, p.validate},
		{core.StageExtracting, p.extract},
		{core.StageAnalyzing, p.analyze},
		{core.StageEnriching, p.enrichDocument},
	}
	return p, nil
}

// Config returns the active configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// Run drives state through the pipeline. A failed state re-enters at queued
// with its metadata cleared, so every attempt starts from the same input.
// Run never returns an error: every failure is folded into the Outcome and
// the state it carries.
func (p *Pipeline) Run(ctx context.Context, state core.PipelineState, token *Token, observe Observer) Outcome {
	state = state.Clone()
	if observe == nil {
		observe = func(core.PipelineState) {}
	}
	logger := p.logger.With("batch", state.BatchID, "document", state.DocumentID)

	switch state.Stage {
	case core.StageCompleted:
		return Outcome{Result: Completed, State: state}
	case core.StageCancelled:
		return Outcome{Result: Cancelled, State: state}
	case core.StageFailed:
		if state.AttemptCount >= p.config.MaxAttempts {
			return Outcome{Result: Failed, State: state, Class: core.ClassTransient}
		}
		if err := state.Transition(core.StageQueued); err != nil {
			return Outcome{Result: Failed, State: state, Class: core.ClassValidation, Err: err}
		}
	case core.StageQueued:
	default:
		// A delegation redistributed mid-run restarts from the top.
		logger.Warn("restarting document from queued", "stage", state.Stage)
		state.Stage = core.StageQueued
	}
	state.Metadata = map[string]string{}
	state.NextRetryAt = time.Time{}

	w := &work{}
	for _, st := range p.stages {
		if token.Cancelled() {
			return p.cancel(ctx, state, observe)
		}
		if err := p.advance(ctx, &state, st.stage, observe); err != nil {
			return p.fail(ctx, state, token, err, observe)
		}
		logger.Debug("entering stage", "stage", st.stage, "attempt", state.AttemptCount+1)
		if err := p.runStage(ctx, st, &state, w); err != nil {
			return p.fail(ctx, state, token, err, observe)
		}
	}

	if token.Cancelled() {
		return p.cancel(ctx, state, observe)
	}
	if err := p.advance(ctx, &state, core.StageCompleted, observe); err != nil {
		return p.fail(ctx, state, token, err, observe)
	}
	logger.Info("document processed", "attempts", state.AttemptCount+1)
	return Outcome{Result: Completed, State: state, Analysis: w.analysis}
}

// runStage runs one stage under StageTimeout. A stage that has started runs
// to the end; cancellation is observed between stages only.
func (p *Pipeline) runStage(ctx context.Context, st stage, state *core.PipelineState, w *work) error {
	stageCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
	defer cancel()

	if err := st.run(stageCtx, state, w); err != nil {
		return fmt.Errorf("%s: %w", st.stage, err)
	}
	return nil
}

// advance transitions, persists and reports the state.
func (p *Pipeline) advance(ctx context.Context, state *core.PipelineState, to core.Stage, observe Observer) error {
	if err := state.Transition(to); err != nil {
		return err
	}
	if err := p.states.SaveState(ctx, state); err != nil {
		return fmt.Errorf("saving %s state: %w", to, err)
	}
	observe(state.Clone())
	return nil
}

// settle records a terminal or retry state. A persistence failure is logged
// because the state also travels with the outcome.
func (p *Pipeline) settle(ctx context.Context, state *core.PipelineState, to core.Stage, observe Observer) {
	if err := state.Transition(to); err != nil {
		p.logger.Error("settling pipeline state", "document", state.DocumentID, "error", err)
		return
	}
	if err := p.states.SaveState(context.WithoutCancel(ctx), state); err != nil {
		p.logger.Error("saving pipeline state", "document", state.DocumentID, "stage", to, "error", err)
	}
	observe(state.Clone())
}

func (p *Pipeline) cancel(ctx context.Context, state core.PipelineState, observe Observer) Outcome {
	p.settle(ctx, &state, core.StageCancelled, observe)
	p.logger.Info("document cancelled", "batch", state.BatchID, "document", state.DocumentID)
	return Outcome{Result: Cancelled, State: state, Class: core.ClassCancelled, Err: core.ErrCancelled}
}

func (p *Pipeline) fail(ctx context.Context, state core.PipelineState, token *Token, err error, observe Observer) Outcome {
	if token.Cancelled() {
		return p.cancel(ctx, state, observe)
	}
	if ctx.Err() != nil {
		return Outcome{Result: Interrupted, State: state, Class: core.ClassCancelled, Err: err}
	}

	class := core.Classify(err)
	if class == core.ClassCancelled || class == core.ClassCapacity {
		class = core.ClassTransient
	}
	state.AttemptCount++
	state.LastError = err.Error()

	logger := p.logger.With("batch", state.BatchID, "document", state.DocumentID,
		"stage", state.Stage, "attempt", state.AttemptCount, "class", class)

	if class == core.ClassTransient && state.AttemptCount < p.config.MaxAttempts {
		state.NextRetryAt = p.now().Add(p.config.Backoff.Delay(state.AttemptCount)).UTC()
		p.settle(ctx, &state, core.StageFailed, observe)
		logger.Warn("document failed, will retry", "next_retry_at", state.NextRetryAt, "error", err)
		return Outcome{Result: Retry, State: state, Class: class, Err: err}
	}

	p.settle(ctx, &state, core.StageFailed, observe)
	logger.Error("document failed", "error", err)
	return Outcome{Result: Failed, State: state, Class: class, Err: err}
}
