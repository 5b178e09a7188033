package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/alexandria/ai"
	"github.com/poiesic/alexandria/ai/mock"
	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/extract"
	"github.com/poiesic/alexandria/pipeline"
	"github.com/poiesic/alexandria/registry"
	"github.com/poiesic/alexandria/retry"
	"github.com/poiesic/alexandria/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// inbox is an orchestrator stand-in that records everything sent to it.
type inbox struct {
	mu          sync.Mutex
	progress    []core.Progress
	completions []core.Completion
	errors      []core.ErrorReport
}

func (i *inbox) ID() string      { return "tracker" }
func (i *inbox) Role() core.Role { return core.RoleOrchestrator }

func (i *inbox) Handlers() map[core.Kind]bus.Handler {
	return map[core.Kind]bus.Handler{
		core.KindProgressUpdate: i.handle,
		core.KindCompletion:     i.handle,
		core.KindError:          i.handle,
	}
}

func (i *inbox) handle(_ context.Context, d *bus.Delivery) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch p := d.Message.Payload.(type) {
	case core.Progress:
		i.progress = append(i.progress, p)
	case core.Completion:
		i.completions = append(i.completions, p)
	case core.ErrorReport:
		i.errors = append(i.errors, p)
	}
	return nil
}

func (i *inbox) stages() []core.Stage {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]core.Stage, len(i.progress))
	for n, p := range i.progress {
		out[n] = p.Stage
	}
	return out
}

func (i *inbox) counts() (completions, errs int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.completions), len(i.errors)
}

type harness struct {
	bus         *bus.Bus
	registry    *registry.Registry
	runtime     *Runtime
	repos       *badger.Repositories
	transformer *mock.MockTransformer
	inbox       *inbox
	processor   *DocumentProcessor
	taxonomy    *TaxonomyMaster
	graph       *KnowledgeGraph
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)

	busCfg := bus.DefaultConfig()
	busCfg.MaxConcurrency = 4
	busCfg.AckTimeout = waitFor
	busCfg.Backoff = retry.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond}
	busCfg.CapacityDeadline = time.Second
	b, err := bus.New(reg, bus.WithConfig(busCfg))
	require.NoError(t, err)

	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)

	extractor, err := extract.New()
	require.NoError(t, err)
	transformer := mock.NewMockTransformer()
	provider := mock.NewMockProviderWithServices(mock.NewMockEmbedder(), transformer)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.StageTimeout = waitFor
	pipeCfg.Backoff = retry.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond}
	p, err := pipeline.New(repos.Documents, repos.Pipelines, extractor, provider, repos.Vectors,
		pipeline.WithConfig(pipeCfg),
		pipeline.WithEnrichHook(NewEnrichHook(b, reg)))
	require.NoError(t, err)

	rt, err := NewRuntime(b, reg)
	require.NoError(t, err)

	h := &harness{
		bus:         b,
		registry:    reg,
		runtime:     rt,
		repos:       repos,
		transformer: transformer,
		inbox:       &inbox{},
		processor:   NewDocumentProcessor("dp-1", b, p, nil),
		taxonomy:    NewTaxonomyMaster("taxonomy", nil),
		graph:       NewKnowledgeGraph("graph", nil),
	}
	for _, a := range []Agent{h.inbox, h.processor, h.taxonomy, h.graph} {
		require.NoError(t, rt.Attach(a))
	}
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = b.Stop(ctx)
		repos.Close()
	})
	return h
}

func (h *harness) addDocument(t *testing.T, name, content string) core.ID {
	t.Helper()
	docs, err := h.repos.Documents.AddDocuments(context.Background(), core.NewDocument(name, []byte(content)))
	require.NoError(t, err)
	return docs[0].Id
}

func (h *harness) delegate(t *testing.T, batch string, doc core.ID) {
	t.Helper()
	msg, err := core.NewMessage(core.KindTaskDelegation,
		core.DocumentTask{State: core.NewPipelineState(batch, doc)},
		core.From(h.inbox.ID()),
		core.To(core.ToRole(core.RoleDocumentProcessor)),
		core.WithCorrelation(core.CorrelationFor(batch, doc)))
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(msg))
}

func TestRuntime_Attach(t *testing.T) {
	h := newHarness(t)

	reg, ok := h.registry.Get("dp-1")
	require.True(t, ok)
	assert.Equal(t, core.RoleDocumentProcessor, reg.Role)
	assert.Equal(t, []core.Kind{core.KindTaskDelegation, core.KindControl}, reg.Capabilities)
	assert.Equal(t, []string{"dp-1", "graph", "taxonomy", "tracker"}, h.runtime.Agents())

	err := h.runtime.Attach(NewTaxonomyMaster("taxonomy", nil))
	assert.ErrorIs(t, err, core.ErrDuplicateAgent)

	h.runtime.Detach("graph")
	_, ok = h.registry.Get("graph")
	assert.False(t, ok)
	assert.NotContains(t, h.runtime.Agents(), "graph")
	h.runtime.Detach("graph")
}

type silentAgent struct{}

func (silentAgent) ID() string                          { return "silent" }
func (silentAgent) Role() core.Role                     { return core.RoleDomainSpecialist }
func (silentAgent) Handlers() map[core.Kind]bus.Handler { return nil }

func TestRuntime_AttachWithoutHandlers(t *testing.T) {
	h := newHarness(t)
	err := h.runtime.Attach(silentAgent{})
	assert.ErrorIs(t, err, ErrNoHandlers)
	_, ok := h.registry.Get("silent")
	assert.False(t, ok)
}

func TestNewRuntime_Validation(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	b, err := bus.New(reg)
	require.NoError(t, err)

	_, err = NewRuntime(nil, reg)
	assert.ErrorIs(t, err, ErrBusRequired)
	_, err = NewRuntime(b, nil)
	assert.ErrorIs(t, err, ErrRegistryRequired)
	_, err = NewRuntime(b, reg, WithHeartbeatInterval(0))
	assert.Error(t, err)
}

func TestRuntime_BeatRestoresUnavailableAgent(t *testing.T) {
	h := newHarness(t)
	h.registry.Sweep(time.Now().Add(h.registry.Config().LivenessTimeout + time.Second))
	reg, _ := h.registry.Get("taxonomy")
	require.Equal(t, core.AgentUnavailable, reg.Status)

	h.runtime.Beat()
	assert.Eventually(t, func() bool {
		reg, _ := h.registry.Get("taxonomy")
		return reg.Status == core.AgentIdle
	}, waitFor, 5*time.Millisecond)
}

func TestDocumentProcessor_Completes(t *testing.T) {
	h := newHarness(t)
	doc := h.addDocument(t, "queues.md", "# Queues\n\nBrokers deliver messages. Brokers retry messages.\n")
	h.delegate(t, "b1", doc)

	require.Eventually(t, func() bool {
		completions, _ := h.inbox.counts()
		return completions == 1
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, []core.Stage{
		core.StageValidating, core.StageExtracting, core.StageAnalyzing,
		core.StageEnriching, core.StageCompleted,
	}, h.inbox.stages())

	h.inbox.mu.Lock()
	completion := h.inbox.completions[0]
	h.inbox.mu.Unlock()
	require.NotNil(t, completion.Result)
	assert.Equal(t, doc, completion.DocumentID)
	assert.Equal(t, "Queues", completion.Result.Metadata[pipeline.MetaTitle])

	assert.Eventually(t, func() bool {
		return len(h.taxonomy.Documents("brokers")) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := h.graph.Node(NodeID(NodeDocument, doc.String()))
		return ok
	}, waitFor, 5*time.Millisecond)

	reg, _ := h.registry.Get("dp-1")
	assert.Equal(t, 0, reg.CurrentLoad)
}

func TestDocumentProcessor_RetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	h.transformer.AnalyzeFunc = func(_ context.Context, text, _ string) (*ai.Analysis, error) {
		if calls.Add(1) == 1 {
			return nil, &ai.TransformError{Retryable: true, Err: errors.New("overloaded")}
		}
		return &ai.Analysis{Classification: "report", Summary: text[:5], Tags: []string{"ok"}}, nil
	}
	doc := h.addDocument(t, "notes.txt", "hello retry")
	h.delegate(t, "b1", doc)

	require.Eventually(t, func() bool {
		completions, _ := h.inbox.counts()
		return completions == 1
	}, waitFor, 5*time.Millisecond)

	stages := h.inbox.stages()
	assert.Contains(t, stages, core.StageFailed)
	assert.Equal(t, core.StageCompleted, stages[len(stages)-1])
	assert.EqualValues(t, 2, calls.Load())

	state, err := h.repos.Pipelines.GetState(context.Background(), "b1", doc)
	require.NoError(t, err)
	assert.Equal(t, core.StageCompleted, state.Stage)
	assert.Equal(t, 1, state.AttemptCount)
}

func TestDocumentProcessor_ReportsTerminalFailure(t *testing.T) {
	h := newHarness(t)
	doc := h.addDocument(t, "archive.zip", "PK")
	h.delegate(t, "b1", doc)

	require.Eventually(t, func() bool {
		_, errs := h.inbox.counts()
		return errs == 1
	}, waitFor, 5*time.Millisecond)

	h.inbox.mu.Lock()
	report := h.inbox.errors[0]
	h.inbox.mu.Unlock()
	assert.True(t, report.Terminal)
	assert.Equal(t, core.ClassValidation, report.Class)
	assert.Equal(t, doc, report.DocumentID)
	assert.Contains(t, report.Message, "unsupported")

	completions, _ := h.inbox.counts()
	assert.Zero(t, completions)
	assert.Zero(t, h.transformer.CallCount())
}

func TestDocumentProcessor_Cancel(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.transformer.AnalyzeFunc = func(ctx context.Context, text, _ string) (*ai.Analysis, error) {
		once.Do(func() { close(started) })
		<-release
		return &ai.Analysis{Classification: "other", Summary: text}, nil
	}
	first := h.addDocument(t, "one.txt", "first document")
	h.delegate(t, "b1", first)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("analysis never started")
	}

	ctrl, err := core.NewMessage(core.KindControl,
		core.Control{Action: core.ControlCancel, BatchID: "b1"},
		core.From(h.inbox.ID()),
		core.To(core.ToAgent("dp-1")),
		core.WithPriority(core.PriorityCritical))
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(ctrl))
	require.Eventually(t, func() bool {
		return len(h.bus.History(bus.Filter{Kind: core.KindControl, Type: bus.EventAcknowledged})) == 1
	}, waitFor, 5*time.Millisecond)

	// The running analysis is not interrupted; the document stops after it.
	close(release)
	require.Eventually(t, func() bool {
		stages := h.inbox.stages()
		return len(stages) > 0 && stages[len(stages)-1] == core.StageCancelled
	}, waitFor, 5*time.Millisecond)
	assert.NotContains(t, h.inbox.stages(), core.StageEnriching)

	// Later work for the cancelled batch stops at the first boundary.
	second := h.addDocument(t, "two.txt", "second document")
	h.delegate(t, "b1", second)
	require.Eventually(t, func() bool {
		state, err := h.repos.Pipelines.GetState(context.Background(), "b1", second)
		return err == nil && state.Stage == core.StageCancelled
	}, waitFor, 5*time.Millisecond)

	completions, errs := h.inbox.counts()
	assert.Zero(t, completions)
	assert.Zero(t, errs)
	assert.Equal(t, 1, h.transformer.CallCount())
}

func TestTaxonomyMaster_Index(t *testing.T) {
	tm := NewTaxonomyMaster("taxonomy", nil)
	tm.Index(core.TaxonomyTask{DocumentID: 1, Classification: "report", Tags: []string{"queues", "latency"}})
	tm.Index(core.TaxonomyTask{DocumentID: 2, Classification: "report", Tags: []string{"queues"}})

	assert.Equal(t, []TagCount{{"queues", 2}, {"latency", 1}}, tm.Tags())
	assert.Equal(t, []core.ID{1, 2}, tm.Documents("queues"))
	assert.Equal(t, map[string]int{"report": 2}, tm.Classifications())

	// Re-indexing replaces the document's previous entry.
	tm.Index(core.TaxonomyTask{DocumentID: 1, Classification: "tutorial", Tags: []string{"brokers"}})
	assert.Equal(t, []TagCount{{"brokers", 1}, {"queues", 1}}, tm.Tags())
	assert.Empty(t, tm.Documents("latency"))
	assert.Equal(t, map[string]int{"report": 1, "tutorial": 1}, tm.Classifications())

	err := tm.HandleTask(context.Background(), &bus.Delivery{Message: core.Message{Payload: core.GraphTask{DocumentID: 1}}})
	assert.ErrorIs(t, err, core.ErrInvalidMessage)
}

func TestKnowledgeGraph_Link(t *testing.T) {
	g := NewKnowledgeGraph("graph", nil)
	g.Link(core.GraphTask{DocumentID: 1, Title: "Queues", Classification: "report", Tags: []string{"queues", "latency", "queues"}})
	g.Link(core.GraphTask{DocumentID: 2, Classification: "report", Tags: []string{"queues"}})

	nodes, edges := g.Stats()
	assert.Equal(t, 5, nodes)
	assert.Equal(t, 5, edges)

	doc1 := NodeID(NodeDocument, core.ID(1).String())
	node, ok := g.Node(doc1)
	require.True(t, ok)
	assert.Equal(t, "Queues", node.Label)

	neighbors := g.Neighbors(NodeID(NodeTag, "queues"))
	require.Len(t, neighbors, 2)
	assert.Equal(t, NodeDocument, neighbors[0].Kind)

	assert.Equal(t, []Node{
		{ID: "classification:report", Kind: NodeClassification, Label: "report"},
		{ID: "tag:latency", Kind: NodeTag, Label: "latency"},
		{ID: "tag:queues", Kind: NodeTag, Label: "queues"},
	}, g.Neighbors(doc1))

	// Relinking drops edges and orphaned nodes.
	g.Link(core.GraphTask{DocumentID: 1, Title: "Queues", Tags: []string{"queues"}})
	_, ok = g.Node(NodeID(NodeTag, "latency"))
	assert.False(t, ok)
	_, ok = g.Node(NodeID(NodeClassification, "report"))
	assert.True(t, ok, "document 2 still links the classification")
	nodes, edges = g.Stats()
	assert.Equal(t, 4, nodes)
	assert.Equal(t, 3, edges)
}
