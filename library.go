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


// Package alexandria assembles the document orchestration core: storage,
// the agent registry, the message bus, the processing pipeline, the agents,
// the batch tracker and search.
package alexandria

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/poiesic/alexandria/agent"
	"github.com/poiesic/alexandria/ai"
	"github.com/poiesic/alexandria/ai/mock"
	"github.com/poiesic/alexandria/ai/openai"
	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/config"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/extract"
	notifyredis "github.com/poiesic/alexandria/notify/redis"
	"github.com/poiesic/alexandria/pipeline"
	"github.com/poiesic/alexandria/registry"
	"github.com/poiesic/alexandria/search"
	"github.com/poiesic/alexandria/storage"
	"github.com/poiesic/alexandria/storage/badger"
	"github.com/poiesic/alexandria/tracker"
)

// Agent IDs of the singleton agents.
const (
	TaxonomyAgentID = "taxonomy"
	GraphAgentID    = "graph"
)

// ErrNotStarted is returned by operations that need a started library.
var ErrNotStarted = errors.New("library not started")

// Library owns every component of a running instance. It is built by Open
// and torn down by Close.
type Library struct {
	config    *config.Config
	repos     *badger.Repositories
	provider  ai.Provider
	registry  *registry.Registry
	bus       *bus.Bus
	pipeline  *pipeline.Pipeline
	runtime   *agent.Runtime
	tracker   *tracker.Tracker
	searcher  *search.Searcher
	taxonomy  *agent.TaxonomyMaster
	graph     *agent.KnowledgeGraph
	notifier  *notifyredis.Publisher
	listeners []tracker.Listener
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// Option configures a Library.
type Option func(*Library) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) error {
		if logger == nil {
			logger = slog.Default()
		}
		l.logger = logger
		return nil
	}
}

// WithProvider replaces the AI provider chosen by the configuration.
// The library closes it on Close.
func WithProvider(provider ai.Provider) Option {
	return func(l *Library) error {
		if provider == nil {
			return errors.New("provider cannot be nil")
		}
		l.provider = provider
		return nil
	}
}

// WithListener adds a listener for batch updates.
func WithListener(listener tracker.Listener) Option {
	return func(l *Library) error {
		if listener == nil {
			return errors.New("listener cannot be nil")
		}
		l.listeners = append(l.listeners, listener)
		return nil
	}
}

// Open builds a library from cfg. A nil cfg means config.Default().
// Nothing runs until Start.
func Open(cfg *config.Config, opts ...Option) (*Library, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Library{config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}

	if err := l.build(); err != nil {
		if l.bus != nil {
			_ = l.bus.Stop(context.Background())
		}
		l.release()
		return nil, err
	}
	l.logger.Info("library opened",
		"storage", cfg.Storage.Path,
		"inMemory", cfg.Storage.InMemory,
		"processors", cfg.Agents.Processors,
		"redis", cfg.Redis.Enabled)
	return l, nil
}

func (l *Library) build() error {
	cfg := l.config
	var err error

	l.repos, err = badger.Open(cfg.Storage.Path, cfg.Storage.InMemory, badger.WithLogger(l.logger))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	if l.provider == nil {
		if cfg.Agents.Mock {
			l.provider = mock.NewMockProvider()
		} else if l.provider, err = openai.NewProvider(&cfg.AI); err != nil {
			return fmt.Errorf("creating AI provider: %w", err)
		}
	}

	if l.registry, err = registry.New(registry.WithConfig(cfg.Registry), registry.WithLogger(l.logger)); err != nil {
		return err
	}
	if l.bus, err = bus.New(l.registry, bus.WithConfig(cfg.Bus), bus.WithLogger(l.logger)); err != nil {
		return err
	}

	extractor, err := extract.New(extract.WithLogger(l.logger))
	if err != nil {
		return err
	}
	l.pipeline, err = pipeline.New(l.repos.Documents, l.repos.Pipelines, extractor, l.provider, l.repos.Vectors,
		pipeline.WithConfig(cfg.Pipeline),
		pipeline.WithEnrichHook(agent.NewEnrichHook(l.bus, l.registry)),
		pipeline.WithLogger(l.logger))
	if err != nil {
		return err
	}

	trackerOpts := []tracker.Option{tracker.WithConfig(cfg.Tracker), tracker.WithLogger(l.logger)}
	for _, listener := range l.listeners {
		trackerOpts = append(trackerOpts, tracker.WithListener(listener))
	}
	if cfg.Redis.Enabled {
		l.notifier, err = notifyredis.NewPublisher(cfg.Redis.Options(), cfg.Redis.Prefix, notifyredis.WithLogger(l.logger))
		if err != nil {
			return fmt.Errorf("creating redis notifier: %w", err)
		}
		trackerOpts = append(trackerOpts, tracker.WithListener(l.notifier))
	}
	if l.tracker, err = tracker.New(l.bus, l.registry, l.repos.Batches, l.repos.Pipelines, trackerOpts...); err != nil {
		return err
	}

	if l.searcher, err = search.NewSearcher(l.repos.Vectors, l.provider, search.WithLogger(l.logger)); err != nil {
		return err
	}

	l.runtime, err = agent.NewRuntime(l.bus, l.registry,
		agent.WithHeartbeatInterval(cfg.Registry.LivenessTimeout/3),
		agent.WithRuntimeLogger(l.logger))
	if err != nil {
		return err
	}
	l.taxonomy = agent.NewTaxonomyMaster(TaxonomyAgentID, l.logger)
	l.graph = agent.NewKnowledgeGraph(GraphAgentID, l.logger)
	agents := []agent.Agent{l.tracker, l.taxonomy, l.graph}
	for i := 1; i <= cfg.Agents.Processors; i++ {
		agents = append(agents, agent.NewDocumentProcessor(fmt.Sprintf("dp-%d", i), l.bus, l.pipeline, l.logger))
	}
	for _, a := range agents {
		if err := l.runtime.Attach(a); err != nil {
			return fmt.Errorf("attaching %s: %w", a.ID(), err)
		}
	}
	return nil
}

// Start restores persisted batches, starts the bus and launches the
// liveness and heartbeat loops. The loops stop on Close or when ctx ends.
func (l *Library) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	if err := l.tracker.Load(ctx); err != nil {
		l.logger.Warn("some batches could not be restored", "error", err)
	}
	if err := l.bus.Start(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.loops.Add(2)
	go func() {
		defer l.loops.Done()
		l.registry.Run(loopCtx)
	}()
	go func() {
		defer l.loops.Done()
		l.runtime.Run(loopCtx)
	}()
	l.started = true
	return nil
}

// Close stops the loops, drains the bus until ctx is done, and releases
// storage and external connections.
func (l *Library) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.started = false
	l.mu.Unlock()
	l.loops.Wait()

	var errs []error
	if l.bus != nil {
		if err := l.bus.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping bus: %w", err))
		}
	}
	if err := l.release(); err != nil {
		errs = append(errs, err)
	}
	l.logger.Info("library closed")
	return errors.Join(errs...)
}

func (l *Library) release() error {
	var errs []error
	if l.notifier != nil {
		if err := l.notifier.Close(); err != nil {
			l.logger.Error("error closing redis notifier", "err", err)
			errs = append(errs, err)
		}
	}
	if l.provider != nil {
		if err := l.provider.Close(); err != nil {
			l.logger.Error("error closing AI provider", "err", err)
		}
	}
	if l.repos != nil {
		if err := l.repos.Close(); err != nil {
			l.logger.Error("error closing repositories", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ingest stores docs and submits them as one batch.
func (l *Library) Ingest(ctx context.Context, docs []*core.Document, opts ...tracker.SubmitOption) (string, error) {
	if !l.isStarted() {
		return "", ErrNotStarted
	}
	stored, err := l.repos.Documents.AddDocuments(ctx, docs...)
	if err != nil {
		return "", fmt.Errorf("storing documents: %w", err)
	}
	ids := make([]core.ID, len(stored))
	for i, d := range stored {
		ids[i] = d.Id
	}
	return l.tracker.SubmitBatch(ctx, ids, opts...)
}

// Health reports whether the library is running and its external
// connections respond.
func (l *Library) Health(ctx context.Context) error {
	if !l.isStarted() {
		return ErrNotStarted
	}
	if l.notifier != nil {
		if err := l.notifier.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (l *Library) isStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *Library) Config() *config.Config {
	return l.config
}

func (l *Library) Tracker() *tracker.Tracker {
	return l.tracker
}

func (l *Library) Searcher() *search.Searcher {
	return l.searcher
}

func (l *Library) Bus() *bus.Bus {
	return l.bus
}

func (l *Library) Registry() *registry.Registry {
	return l.registry
}

func (l *Library) Runtime() *agent.Runtime {
	return l.runtime
}

func (l *Library) Taxonomy() *agent.TaxonomyMaster {
	return l.taxonomy
}

func (l *Library) Graph() *agent.KnowledgeGraph {
	return l.graph
}

func (l *Library) Documents() storage.DocumentRepository {
	return l.repos.Documents
}

// Notifier returns the Redis publisher, or nil when Redis is disabled.
func (l *Library) Notifier() *notifyredis.Publisher {
	return l.notifier
}
