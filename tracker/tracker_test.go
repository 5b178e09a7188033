package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/registry"
	"github.com/poiesic/alexandria/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	tracker  *Tracker
	bus      *bus.Bus
	registry *registry.Registry
	repos    *badger.Repositories
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })
	return newFixtureOn(t, repos, opts...)
}

// newFixtureOn builds a tracker over existing repositories. The bus is never
// started, so published messages stay queued where tests can inspect them.
func newFixtureOn(t *testing.T, repos *badger.Repositories, opts ...Option) *fixture {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	require.NoError(t, reg.Register("dp-1", core.RoleDocumentProcessor, core.KindTaskDelegation, core.KindControl))
	b, err := bus.New(reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	tr, err := New(b, reg, repos.Batches, repos.Pipelines, opts...)
	require.NoError(t, err)
	return &fixture{tracker: tr, bus: b, registry: reg, repos: repos}
}

func deliver(payload core.Payload) *bus.Delivery {
	return &bus.Delivery{Message: core.Message{Payload: payload}, Attempt: 1}
}

func (f *fixture) progress(t *testing.T, batchID string, doc core.ID, stage core.Stage) {
	t.Helper()
	require.NoError(t, f.tracker.HandleProgress(context.Background(),
		deliver(core.Progress{BatchID: batchID, DocumentID: doc, Stage: stage, Attempt: 1})))
}

func (f *fixture) complete(t *testing.T, batchID string, doc core.ID) {
	t.Helper()
	require.NoError(t, f.tracker.HandleCompletion(context.Background(),
		deliver(core.Completion{BatchID: batchID, DocumentID: doc, Result: &core.Result{}})))
}

func (f *fixture) fail(t *testing.T, batchID string, doc core.ID, msg string) {
	t.Helper()
	require.NoError(t, f.tracker.HandleError(context.Background(),
		deliver(core.ErrorReport{BatchID: batchID, DocumentID: doc, Class: core.ClassValidation, Message: msg, Terminal: true})))
}

func TestNew_Validation(t *testing.T) {
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()
	reg, err := registry.New()
	require.NoError(t, err)
	b, err := bus.New(reg)
	require.NoError(t, err)

	_, err = New(nil, reg, repos.Batches, repos.Pipelines)
	assert.ErrorIs(t, err, ErrBusRequired)
	_, err = New(b, nil, repos.Batches, repos.Pipelines)
	assert.ErrorIs(t, err, ErrRegistryRequired)
	_, err = New(b, reg, nil, repos.Pipelines)
	assert.ErrorIs(t, err, ErrRepositoryRequired)
	_, err = New(b, reg, repos.Batches, repos.Pipelines, WithConfig(Config{ID: "", WatchBuffer: 1}))
	assert.Error(t, err)
	_, err = New(b, reg, repos.Batches, repos.Pipelines, WithConfig(Config{ID: "t", WatchBuffer: 0}))
	assert.Error(t, err)
}

func TestTracker_Agent(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "tracker", f.tracker.ID())
	assert.Equal(t, core.RoleOrchestrator, f.tracker.Role())
	assert.Len(t, f.tracker.Handlers(), 3)
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.tracker.SubmitBatch(ctx, []core.ID{1, 2, 1, 3}, WithPriority(core.PriorityHigh))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, err := f.tracker.Status(id)
	require.NoError(t, err)
	assert.Equal(t, []core.ID{1, 2, 3}, rec.Documents)
	assert.Equal(t, 3, rec.TotalCount)
	assert.Equal(t, core.BatchPending, rec.Status)
	assert.Equal(t, testNow, rec.CreatedAt)

	assert.Equal(t, 3, f.bus.Stats().Queued)
	published := f.bus.History(bus.Filter{Kind: core.KindTaskDelegation, Type: bus.EventPublished})
	require.Len(t, published, 3)
	for _, e := range published {
		assert.Equal(t, "tracker", e.Sender)
		assert.Equal(t, core.PriorityHigh, e.Priority)
	}

	state, err := f.repos.Pipelines.GetState(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, core.StageQueued, state.Stage)

	saved, err := f.repos.Batches.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.Documents, saved.Documents)

	_, err = f.tracker.SubmitBatch(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestSubmitBatch_PublishFailureIsAttributed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bus.Stop(context.Background()))

	id, err := f.tracker.SubmitBatch(context.Background(), []core.ID{7})
	require.ErrorIs(t, err, bus.ErrBusClosed)

	rec, err := f.tracker.Status(id)
	require.NoError(t, err)
	assert.Equal(t, core.BatchError, rec.Status)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, core.ID(7), rec.Errors[0].DocumentID)
}

func TestAccounting(t *testing.T) {
	tests := []struct {
		name      string
		events    func(f *fixture, t *testing.T, id string)
		status    core.BatchStatus
		processed int
		success   int
		errors    []core.DocumentError
		current   core.ID
	}{
		{
			name:    "progress marks processing",
			events:  func(f *fixture, t *testing.T, id string) { f.progress(t, id, 2, core.StageExtracting) },
			status:  core.BatchProcessing,
			current: 2,
		},
		{
			name: "all succeed",
			events: func(f *fixture, t *testing.T, id string) {
				f.complete(t, id, 1)
				f.complete(t, id, 2)
			},
			status:    core.BatchCompleted,
			processed: 2,
			success:   2,
		},
		{
			name: "any failure errors the batch",
			events: func(f *fixture, t *testing.T, id string) {
				f.complete(t, id, 1)
				f.fail(t, id, 2, "bad pdf")
			},
			status:    core.BatchError,
			processed: 2,
			success:   1,
			errors:    []core.DocumentError{{DocumentID: 2, Class: core.ClassValidation, Message: "bad pdf"}},
		},
		{
			name: "duplicate outcomes count once",
			events: func(f *fixture, t *testing.T, id string) {
				f.complete(t, id, 1)
				f.complete(t, id, 1)
				f.fail(t, id, 1, "late")
			},
			status:    core.BatchProcessing,
			processed: 1,
			success:   1,
		},
		{
			name: "failure completion counts as error",
			events: func(f *fixture, t *testing.T, id string) {
				require.NoError(t, f.tracker.HandleCompletion(context.Background(), deliver(core.Completion{
					BatchID: id, DocumentID: 1, Failure: &core.Failure{Class: core.ClassTransient, Message: "timeout"},
				})))
			},
			status:    core.BatchProcessing,
			processed: 1,
			errors:    []core.DocumentError{{DocumentID: 1, Class: core.ClassTransient, Message: "timeout"}},
		},
		{
			name: "non-terminal errors are not outcomes",
			events: func(f *fixture, t *testing.T, id string) {
				require.NoError(t, f.tracker.HandleError(context.Background(), deliver(core.ErrorReport{
					BatchID: id, DocumentID: 1, Class: core.ClassTransient, Message: "retrying",
				})))
			},
			status: core.BatchProcessing,
		},
		{
			name: "foreign documents and batches are ignored",
			events: func(f *fixture, t *testing.T, id string) {
				f.complete(t, id, 99)
				f.complete(t, "other", 1)
			},
			status: core.BatchPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id, err := f.tracker.SubmitBatch(context.Background(), []core.ID{1, 2})
			require.NoError(t, err)

			tt.events(f, t, id)

			rec, err := f.tracker.Status(id)
			require.NoError(t, err)
			assert.Equal(t, tt.status, rec.Status)
			assert.Equal(t, tt.processed, rec.ProcessedCount)
			assert.Equal(t, tt.success, rec.SuccessCount)
			assert.Equal(t, len(tt.errors), rec.ErrorCount)
			assert.Equal(t, tt.errors, rec.Errors)
			assert.Equal(t, tt.current, rec.CurrentDocument)
			if rec.Status.IsTerminal() {
				assert.Equal(t, testNow, rec.CompletedAt)
			} else {
				assert.True(t, rec.CompletedAt.IsZero())
			}
		})
	}
}

func TestConcurrentUpdates(t *testing.T) {
	f := newFixture(t)
	const total = 64
	ids := make([]core.ID, total)
	for i := range ids {
		ids[i] = core.ID(i + 1)
	}
	batchID, err := f.tracker.SubmitBatch(context.Background(), ids)
	require.NoError(t, err)

	// Every document reports progress and an outcome twice, from many
	// goroutines at once. Every third document fails.
	var wg sync.WaitGroup
	errs := make(chan error, total*6)
	for _, id := range ids {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx := context.Background()
				errs <- f.tracker.HandleProgress(ctx, deliver(core.Progress{BatchID: batchID, DocumentID: id, Stage: core.StageAnalyzing, Attempt: 1}))
				if id%3 == 0 {
					errs <- f.tracker.HandleError(ctx, deliver(core.ErrorReport{BatchID: batchID, DocumentID: id, Class: core.ClassValidation, Message: "bad", Terminal: true}))
				} else {
					errs <- f.tracker.HandleCompletion(ctx, deliver(core.Completion{BatchID: batchID, DocumentID: id, Result: &core.Result{}}))
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := f.tracker.Status(batchID)
	require.NoError(t, err)
	failures := total / 3
	assert.Equal(t, total, rec.ProcessedCount)
	assert.Equal(t, total-failures, rec.SuccessCount)
	assert.Equal(t, failures, rec.ErrorCount)
	assert.Len(t, rec.Errors, failures)
	assert.Equal(t, rec.ProcessedCount, rec.SuccessCount+rec.ErrorCount)
	assert.Equal(t, core.BatchError, rec.Status)

	saved, err := f.repos.Batches.GetBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, rec.ProcessedCount, saved.ProcessedCount)
	assert.Equal(t, core.BatchError, saved.Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.tracker.SubmitBatch(ctx, []core.ID{1, 2, 3})
	require.NoError(t, err)
	f.progress(t, id, 1, core.StageValidating)

	require.NoError(t, f.tracker.Cancel(ctx, id))

	rec, err := f.tracker.Status(id)
	require.NoError(t, err)
	assert.Equal(t, core.BatchCancelled, rec.Status)
	assert.Equal(t, testNow, rec.CompletedAt)

	// Queued delegations were withdrawn; one cancel went to the processor.
	stats := f.bus.Stats()
	assert.Equal(t, 1, stats.Queued)
	withdrawn := f.bus.History(bus.Filter{Type: bus.EventWithdrawn})
	assert.Len(t, withdrawn, 3)
	controls := f.bus.History(bus.Filter{Kind: core.KindControl, Type: bus.EventPublished})
	require.Len(t, controls, 1)
	assert.Equal(t, core.PriorityCritical, controls[0].Priority)
	assert.Empty(t, controls[0].CorrelationID)

	for _, doc := range []core.ID{1, 2, 3} {
		state, err := f.repos.Pipelines.GetState(ctx, id, doc)
		require.NoError(t, err)
		assert.Equal(t, core.StageCancelled, state.Stage)
	}
	docs, err := f.tracker.Documents(id)
	require.NoError(t, err)
	for _, d := range docs {
		assert.Equal(t, core.StageCancelled, d.Stage)
	}

	// The record is immutable afterwards.
	f.complete(t, id, 2)
	after, err := f.tracker.Status(id)
	require.NoError(t, err)
	assert.Equal(t, rec, after)

	assert.ErrorIs(t, f.tracker.Cancel(ctx, id), ErrBatchTerminal)
	assert.ErrorIs(t, f.tracker.Cancel(ctx, "missing"), ErrBatchNotFound)
}

func TestWatchAndListeners(t *testing.T) {
	var mu sync.Mutex
	var heard []core.BatchStatus
	listener := ListenerFunc(func(_ context.Context, u Update) error {
		mu.Lock()
		defer mu.Unlock()
		heard = append(heard, u.Batch.Status)
		return errors.New("listener errors are only logged")
	})
	f := newFixture(t, WithListener(listener))
	id, err := f.tracker.SubmitBatch(context.Background(), []core.ID{1})
	require.NoError(t, err)

	updates, stop, err := f.tracker.Watch(id)
	require.NoError(t, err)
	defer stop()

	first := <-updates
	assert.Equal(t, core.BatchPending, first.Batch.Status)
	assert.Nil(t, first.Document)

	f.progress(t, id, 1, core.StageAnalyzing)
	u := <-updates
	assert.Equal(t, core.BatchProcessing, u.Batch.Status)
	require.NotNil(t, u.Document)
	assert.Equal(t, core.StageAnalyzing, u.Document.Stage)

	f.complete(t, id, 1)
	u = <-updates
	assert.Equal(t, core.BatchCompleted, u.Batch.Status)
	_, open := <-updates
	assert.False(t, open, "channel closes after the terminal update")

	mu.Lock()
	assert.Equal(t, []core.BatchStatus{core.BatchProcessing, core.BatchCompleted}, heard)
	mu.Unlock()

	// Watching a finished batch yields its snapshot and a closed channel.
	done, _, err := f.tracker.Watch(id)
	require.NoError(t, err)
	u, ok := <-done
	require.True(t, ok)
	assert.Equal(t, core.BatchCompleted, u.Batch.Status)
	_, open = <-done
	assert.False(t, open)

	_, _, err = f.tracker.Watch("missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestWatch_SlowWatcherGetsTerminalUpdate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WatchBuffer = 2
	f := newFixture(t, WithConfig(cfg))
	id, err := f.tracker.SubmitBatch(context.Background(), []core.ID{1})
	require.NoError(t, err)

	updates, stop, err := f.tracker.Watch(id)
	require.NoError(t, err)
	defer stop()

	// Nobody reads while the batch runs to completion.
	f.progress(t, id, 1, core.StageValidating)
	f.progress(t, id, 1, core.StageAnalyzing)
	f.complete(t, id, 1)

	var got []Update
	for u := range updates {
		got = append(got, u)
	}
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), cfg.WatchBuffer)
	last := got[len(got)-1]
	assert.Equal(t, core.BatchCompleted, last.Batch.Status)
	assert.Equal(t, 1, last.Batch.SuccessCount)
}

func TestWatch_Stop(t *testing.T) {
	f := newFixture(t)
	id, err := f.tracker.SubmitBatch(context.Background(), []core.ID{1})
	require.NoError(t, err)

	updates, stop, err := f.tracker.Watch(id)
	require.NoError(t, err)
	<-updates
	stop()
	stop()
	_, open := <-updates
	assert.False(t, open)

	f.progress(t, id, 1, core.StageValidating)
}

func TestBusTerminalReportMarksStateFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.tracker.SubmitBatch(ctx, []core.ID{5})
	require.NoError(t, err)

	require.NoError(t, f.tracker.HandleError(ctx, deliver(core.ErrorReport{
		BatchID: id, DocumentID: 5, Class: core.ClassTransient,
		Message: "acknowledgment timeout", Terminal: true, MessageID: 42,
	})))

	state, err := f.repos.Pipelines.GetState(ctx, id, 5)
	require.NoError(t, err)
	assert.Equal(t, core.StageFailed, state.Stage)
	assert.Equal(t, "acknowledgment timeout", state.LastError)

	rec, err := f.tracker.Status(id)
	require.NoError(t, err)
	assert.Equal(t, core.BatchError, rec.Status)
}

func TestListActiveStats(t *testing.T) {
	now := testNow
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	done, err := f.tracker.SubmitBatch(ctx, []core.ID{1})
	require.NoError(t, err)
	f.complete(t, done, 1)

	now = now.Add(time.Minute)
	failed, err := f.tracker.SubmitBatch(ctx, []core.ID{1, 2})
	require.NoError(t, err)
	f.complete(t, failed, 1)
	f.fail(t, failed, 2, "boom")

	now = now.Add(time.Minute)
	running, err := f.tracker.SubmitBatch(ctx, []core.ID{3})
	require.NoError(t, err)

	list := f.tracker.List(0)
	require.Len(t, list, 3)
	assert.Equal(t, []string{running, failed, done}, []string{list[0].BatchID, list[1].BatchID, list[2].BatchID})
	assert.Len(t, f.tracker.List(2), 2)

	active := f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, running, active[0].BatchID)

	stats := f.tracker.Stats()
	assert.Equal(t, Stats{
		Batches: 3, Active: 1, Completed: 1, Errored: 1,
		Documents: 4, Succeeded: 2, Failed: 1, SuccessRate: 2.0 / 3.0,
	}, stats)
}

func TestLoad_ResumesRunningBatches(t *testing.T) {
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()
	ctx := context.Background()

	first := newFixtureOn(t, repos)
	running, err := first.tracker.SubmitBatch(ctx, []core.ID{1, 2, 3})
	require.NoError(t, err)
	first.fail(t, running, 2, "bad")

	// Document 1 finished but its completion was never received.
	state, err := repos.Pipelines.GetState(ctx, running, 1)
	require.NoError(t, err)
	for _, stage := range []core.Stage{core.StageValidating, core.StageExtracting, core.StageAnalyzing, core.StageEnriching, core.StageCompleted} {
		require.NoError(t, state.Transition(stage))
	}
	require.NoError(t, repos.Pipelines.SaveState(ctx, state))

	finished, err := first.tracker.SubmitBatch(ctx, []core.ID{4})
	require.NoError(t, err)
	first.complete(t, finished, 4)

	second := newFixtureOn(t, repos)
	require.NoError(t, second.tracker.Load(ctx))
	require.NoError(t, second.tracker.Load(ctx), "loading twice is harmless")

	rec, err := second.tracker.Status(running)
	require.NoError(t, err)
	assert.Equal(t, core.BatchProcessing, rec.Status)
	assert.Equal(t, 2, rec.ProcessedCount)
	assert.Equal(t, 1, rec.SuccessCount)
	assert.Equal(t, 1, rec.ErrorCount)

	// Only document 3 is delegated again.
	assert.Equal(t, 1, second.bus.Stats().Queued)
	second.complete(t, running, 3)
	rec, err = second.tracker.Status(running)
	require.NoError(t, err)
	assert.Equal(t, core.BatchError, rec.Status)

	old, err := second.tracker.Status(finished)
	require.NoError(t, err)
	assert.Equal(t, core.BatchCompleted, old.Status)

	docs, err := second.tracker.Documents(running)
	require.NoError(t, err)
	stages := make([]string, len(docs))
	for i, d := range docs {
		stages[i] = fmt.Sprintf("%s:%s", d.DocumentID, d.Stage)
	}
	assert.Equal(t, []string{
		core.ID(1).String() + ":completed",
		core.ID(2).String() + ":failed",
		core.ID(3).String() + ":completed",
	}, stages)
}
