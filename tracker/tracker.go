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


package tracker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/alexandria/agent"
	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/registry"
	"github.com/poiesic/alexandria/storage"
)

// Config holds tracker settings.
type Config struct {
	// ID is the tracker's agent ID and the sender of its delegations.
	ID string `yaml:"id"`
	// WatchBuffer is the channel capacity of each Watch subscription.
	// Progress updates that do not fit are dropped for that watcher.
	WatchBuffer int `yaml:"watch_buffer"`
}

// DefaultConfig returns the default tracker settings.
func DefaultConfig() Config {
	return Config{
		ID:          "tracker",
		WatchBuffer: 32,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("tracker id cannot be empty")
	}
	if c.WatchBuffer < 1 {
		return fmt.Errorf("watch buffer must be at least 1, got %d", c.WatchBuffer)
	}
	return nil
}

// DocumentStatus is the tracker's view of one document in a batch.
type DocumentStatus struct {
	DocumentID core.ID         `json:"document_id"`
	Stage      core.Stage      `json:"stage"`
	Attempt    int             `json:"attempt"`
	Error      string          `json:"error,omitempty"`
	Class      core.ErrorClass `json:"class,omitzero"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Update is a batch snapshot taken after a change. Document is set when the
// change concerned a single document.
type Update struct {
	Batch    core.BatchRecord `json:"batch"`
	Document *DocumentStatus  `json:"document,omitempty"`
}

// Listener receives every batch update, in order per batch.
type Listener interface {
	BatchUpdated(ctx context.Context, u Update) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, u Update) error

func (f ListenerFunc) BatchUpdated(ctx context.Context, u Update) error {
	return f(ctx, u)
}

// Stats aggregates every tracked batch.
type Stats struct {
	Batches     int     `json:"batches"`
	Active      int     `json:"active"`
	Completed   int     `json:"completed"`
	Errored     int     `json:"errored"`
	Cancelled   int     `json:"cancelled"`
	Documents   int     `json:"documents"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

type docEntry struct {
	status DocumentStatus
	done   bool
}

// batch guards one record. Mutations of different batches never contend.
type batch struct {
	mu        sync.Mutex
	record    core.BatchRecord
	docs      map[core.ID]*docEntry
	watchers  map[int]chan Update
	nextWatch int
}

func newBatch(record core.BatchRecord) *batch {
	b := &batch{
		record:   record,
		docs:     make(map[core.ID]*docEntry, len(record.Documents)),
		watchers: make(map[int]chan Update),
	}
	for _, id := range record.Documents {
		b.docs[id] = &docEntry{status: DocumentStatus{
			DocumentID: id,
			Stage:      core.StageQueued,
			UpdatedAt:  record.CreatedAt,
		}}
	}
	return b
}

// Tracker is the orchestrator agent. It submits batches, folds document
// outcomes into batch records and publishes every change.
type Tracker struct {
	bus      *bus.Bus
	registry *registry.Registry
	batches  storage.BatchRepository
	states   storage.PipelineRepository
	config   Config
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.RWMutex
	records   map[string]*batch
	listeners []Listener
}

// Option configures a Tracker.
type Option func(*Tracker) error

// WithConfig replaces the default configuration.
func WithConfig(config Config) Option {
	return func(t *Tracker) error {
		if err := config.Validate(); err != nil {
			return err
		}
		t.config = config
		return nil
	}
}

// WithListener adds a listener for batch updates.
func WithListener(l Listener) Option {
	return func(t *Tracker) error {
		if l == nil {
			return errors.New("listener cannot be nil")
		}
		t.listeners = append(t.listeners, l)
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) error {
		t.logger = logger
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) error {
		t.now = now
		return nil
	}
}

// New creates a tracker. The registry is consulted to address cancel
// instructions to every document processor.
func New(b *bus.Bus, reg *registry.Registry, batches storage.BatchRepository, states storage.PipelineRepository, opts ...Option) (*Tracker, error) {
	if b == nil {
		return nil, ErrBusRequired
	}
	if reg == nil {
		return nil, ErrRegistryRequired
	}
	if batches == nil || states == nil {
		return nil, ErrRepositoryRequired
	}
	t := &Tracker{
		bus:      b,
		registry: reg,
		batches:  batches,
		states:   states,
		config:   DefaultConfig(),
		now:      time.Now,
		logger:   slog.Default(),
		records:  make(map[string]*batch),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	t.logger = t.logger.With("component", "tracker")
	return t, nil
}

func (t *Tracker) ID() string      { return t.config.ID }
func (t *Tracker) Role() core.Role { return core.RoleOrchestrator }

func (t *Tracker) Handlers() map[core.Kind]bus.Handler {
	return map[core.Kind]bus.Handler{
		core.KindProgressUpdate: t.HandleProgress,
		core.KindCompletion:     t.HandleCompletion,
		core.KindError:          t.HandleError,
	}
}

type submitConfig struct {
	priority core.Priority
}

// SubmitOption configures a batch submission.
type SubmitOption func(*submitConfig)

// WithPriority sets the dispatch priority of the batch's delegations.
func WithPriority(p core.Priority) SubmitOption {
	return func(c *submitConfig) {
		c.priority = p
	}
}

// SubmitBatch records a new batch and delegates each document to a document
// processor. Repeated IDs are processed once. If a delegation cannot be
// published the document is recorded as failed and the error is returned
// alongside the batch ID.
func (t *Tracker) SubmitBatch(ctx context.Context, documentIDs []core.ID, opts ...SubmitOption) (string, error) {
	cfg := submitConfig{priority: core.PriorityNormal}
	for _, opt := range opts {
		opt(&cfg)
	}

	docs := make([]core.ID, 0, len(documentIDs))
	seen := make(map[core.ID]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		docs = append(docs, id)
	}
	if len(docs) == 0 {
		return "", ErrEmptyBatch
	}

	record := core.BatchRecord{
		BatchID:    uuid.NewString(),
		Documents:  docs,
		TotalCount: len(docs),
		Status:     core.BatchPending,
		CreatedAt:  t.now().UTC(),
	}
	if err := t.batches.SaveBatch(ctx, &record); err != nil {
		return "", fmt.Errorf("saving batch: %w", err)
	}
	b := newBatch(record)
	t.mu.Lock()
	t.records[record.BatchID] = b
	t.mu.Unlock()

	var errs []error
	for _, id := range docs {
		if err := t.delegate(ctx, core.NewPipelineState(record.BatchID, id), cfg.priority); err != nil {
			errs = append(errs, err)
			t.recordFailure(ctx, record.BatchID, id, core.Classify(err), err.Error())
		}
	}
	t.logger.Info("batch submitted",
		"batch", record.BatchID,
		"documents", len(docs),
		"priority", cfg.priority)
	return record.BatchID, errors.Join(errs...)
}

func (t *Tracker) delegate(ctx context.Context, state core.PipelineState, priority core.Priority) error {
	if err := t.states.SaveState(ctx, &state); err != nil {
		return fmt.Errorf("saving state for %s: %w", state.DocumentID, err)
	}
	msg, err := core.NewMessage(core.KindTaskDelegation,
		core.DocumentTask{State: state},
		core.From(t.config.ID),
		core.To(core.ToRole(core.RoleDocumentProcessor)),
		core.WithPriority(priority),
		core.WithCorrelation(state.CorrelationID()))
	if err != nil {
		return err
	}
	if err := t.bus.Publish(msg); err != nil {
		return fmt.Errorf("delegating %s: %w", state.DocumentID, err)
	}
	return nil
}

// Cancel stops a batch. Delegations still waiting on the bus are withdrawn
// and their documents recorded as cancelled; document processors are told to
// stop work already running. The record is immutable afterwards.
func (t *Tracker) Cancel(ctx context.Context, batchID string) error {
	b, ok := t.lookup(batchID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.record.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrBatchTerminal, batchID, b.record.Status)
	}

	withdrawn := t.bus.Withdraw(func(m core.Message) bool {
		task, ok := m.Payload.(core.DocumentTask)
		return ok && task.State.BatchID == batchID
	})
	now := t.now().UTC()
	for _, m := range withdrawn {
		state := m.Payload.(core.DocumentTask).State.Clone()
		if state.Stage == core.StageFailed {
			_ = state.Transition(core.StageQueued)
		}
		if err := state.Transition(core.StageCancelled); err != nil {
			t.logger.Warn("cancelling withdrawn state", "batch", batchID, "document", state.DocumentID, "error", err)
			continue
		}
		if err := t.states.SaveState(ctx, &state); err != nil {
			t.logger.Error("saving cancelled state", "batch", batchID, "document", state.DocumentID, "error", err)
		}
		if e, ok := b.docs[state.DocumentID]; ok && !e.done {
			e.status.Stage = core.StageCancelled
			e.status.UpdatedAt = now
		}
	}
	t.broadcastCancel(batchID)

	b.record.Status = core.BatchCancelled
	b.record.CompletedAt = now
	t.publish(ctx, b, nil)
	t.logger.Info("batch cancelled", "batch", batchID, "withdrawn", len(withdrawn))
	return nil
}

// broadcastCancel tells every document processor to stop work for the batch.
// Control messages carry no correlation so they never wait behind the
// delegations they cancel.
func (t *Tracker) broadcastCancel(batchID string) {
	for _, reg := range t.registry.Agents(core.RoleDocumentProcessor) {
		msg, err := core.NewMessage(core.KindControl,
			core.Control{Action: core.ControlCancel, BatchID: batchID},
			core.From(t.config.ID),
			core.To(core.ToAgent(reg.AgentID)),
			core.WithPriority(core.PriorityCritical))
		if err != nil {
			t.logger.Error("building cancel", "agent", reg.AgentID, "error", err)
			continue
		}
		if err := t.bus.Publish(msg); err != nil {
			t.logger.Warn("publishing cancel", "agent", reg.AgentID, "batch", batchID, "error", err)
		}
	}
}

func (t *Tracker) lookup(batchID string) (*batch, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.records[batchID]
	return b, ok
}

// Status returns a snapshot of a batch record.
func (t *Tracker) Status(batchID string) (core.BatchRecord, error) {
	b, ok := t.lookup(batchID)
	if !ok {
		return core.BatchRecord{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.record.Clone(), nil
}

// Documents returns the status of each document in a batch, in submission order.
func (t *Tracker) Documents(batchID string) ([]DocumentStatus, error) {
	b, ok := t.lookup(batchID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DocumentStatus, 0, len(b.record.Documents))
	for _, id := range b.record.Documents {
		out = append(out, b.docs[id].status)
	}
	return out, nil
}

// List returns up to limit batch records, newest first. A limit of zero or
// less returns every record.
func (t *Tracker) List(limit int) []core.BatchRecord {
	out := t.snapshot(func(core.BatchRecord) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Active returns the batches that have not reached a terminal status, newest first.
func (t *Tracker) Active() []core.BatchRecord {
	return t.snapshot(func(r core.BatchRecord) bool { return !r.Status.IsTerminal() })
}

func (t *Tracker) snapshot(keep func(core.BatchRecord) bool) []core.BatchRecord {
	t.mu.RLock()
	batches := make([]*batch, 0, len(t.records))
	for _, b := range t.records {
		batches = append(batches, b)
	}
	t.mu.RUnlock()

	var out []core.BatchRecord
	for _, b := range batches {
		b.mu.Lock()
		rec := b.record.Clone()
		b.mu.Unlock()
		if keep(rec) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b core.BatchRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.BatchID, b.BatchID)
	})
	return out
}

// Stats aggregates every tracked batch.
func (t *Tracker) Stats() Stats {
	var s Stats
	for _, rec := range t.List(0) {
		s.Batches++
		switch rec.Status {
		case core.BatchCompleted:
			s.Completed++
		case core.BatchError:
			s.Errored++
		case core.BatchCancelled:
			s.Cancelled++
		default:
			s.Active++
		}
		s.Documents += rec.TotalCount
		s.Succeeded += rec.SuccessCount
		s.Failed += rec.ErrorCount
	}
	if processed := s.Succeeded + s.Failed; processed > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(processed)
	}
	return s
}

var _ agent.Agent = (*Tracker)(nil)
