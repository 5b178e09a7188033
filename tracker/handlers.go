package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/storage"
)

// HandleProgress records a document's stage transition.
func (t *Tracker) HandleProgress(ctx context.Context, d *bus.Delivery) error {
	p, ok := d.Message.Payload.(core.Progress)
	if !ok {
		return fmt.Errorf("%w: progress handler got %T", core.ErrInvalidMessage, d.Message.Payload)
	}
	t.apply(ctx, p.BatchID, p.DocumentID, func(rec *core.BatchRecord, e *docEntry) {
		e.status.Stage = p.Stage
		e.status.Attempt = p.Attempt
		rec.CurrentDocument = p.DocumentID
	})
	return nil
}

// HandleCompletion records a document's final outcome.
func (t *Tracker) HandleCompletion(ctx context.Context, d *bus.Delivery) error {
	c, ok := d.Message.Payload.(core.Completion)
	if !ok {
		return fmt.Errorf("%w: completion handler got %T", core.ErrInvalidMessage, d.Message.Payload)
	}
	if c.Failure != nil {
		t.recordFailure(ctx, c.BatchID, c.DocumentID, c.Failure.Class, c.Failure.Message)
		return nil
	}
	t.apply(ctx, c.BatchID, c.DocumentID, func(rec *core.BatchRecord, e *docEntry) {
		e.done = true
		e.status.Stage = core.StageCompleted
		rec.SuccessCount++
		rec.ProcessedCount++
	})
	return nil
}

// HandleError records an error report. Terminal reports end the document;
// others are kept as the document's latest error while it is retried.
func (t *Tracker) HandleError(ctx context.Context, d *bus.Delivery) error {
	r, ok := d.Message.Payload.(core.ErrorReport)
	if !ok {
		return fmt.Errorf("%w: error handler got %T", core.ErrInvalidMessage, d.Message.Payload)
	}
	if r.DocumentID == 0 {
		t.logger.Warn("error report without document",
			"batch", r.BatchID,
			"class", r.Class,
			"terminal", r.Terminal,
			"error", r.Message)
		return nil
	}
	if !r.Terminal {
		t.apply(ctx, r.BatchID, r.DocumentID, func(_ *core.BatchRecord, e *docEntry) {
			e.status.Error = r.Message
			e.status.Class = r.Class
		})
		return nil
	}
	if r.MessageID != 0 {
		// The bus gave up on a delegation, so no processor recorded the failure.
		t.markFailed(ctx, r)
	}
	t.recordFailure(ctx, r.BatchID, r.DocumentID, r.Class, r.Message)
	return nil
}

func (t *Tracker) markFailed(ctx context.Context, r core.ErrorReport) {
	state, err := t.states.GetState(ctx, r.BatchID, r.DocumentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fresh := core.NewPipelineState(r.BatchID, r.DocumentID)
		state = &fresh
	case err != nil:
		t.logger.Error("loading state", "batch", r.BatchID, "document", r.DocumentID, "error", err)
		return
	}
	if state.Stage.IsTerminal() {
		return
	}
	if err := state.Transition(core.StageFailed); err != nil {
		return
	}
	state.LastError = r.Message
	if err := t.states.SaveState(ctx, state); err != nil {
		t.logger.Error("saving failed state", "batch", r.BatchID, "document", r.DocumentID, "error", err)
	}
}

func (t *Tracker) recordFailure(ctx context.Context, batchID string, docID core.ID, class core.ErrorClass, message string) {
	t.apply(ctx, batchID, docID, func(rec *core.BatchRecord, e *docEntry) {
		e.done = true
		e.status.Stage = core.StageFailed
		e.status.Error = message
		e.status.Class = class
		rec.ErrorCount++
		rec.ProcessedCount++
		rec.Errors = append(rec.Errors, core.DocumentError{DocumentID: docID, Class: class, Message: message})
	})
}

// apply mutates one document of one batch under the batch's lock. Messages
// for unknown batches, terminal batches, foreign documents, or documents
// whose outcome is already counted are ignored.
func (t *Tracker) apply(ctx context.Context, batchID string, docID core.ID, fn func(*core.BatchRecord, *docEntry)) {
	b, ok := t.lookup(batchID)
	if !ok {
		t.logger.Debug("message for unknown batch", "batch", batchID, "document", docID)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.record.Status.IsTerminal() {
		t.logger.Debug("message for terminal batch", "batch", batchID, "document", docID, "status", b.record.Status)
		return
	}
	e, ok := b.docs[docID]
	if !ok {
		t.logger.Warn("document not in batch", "batch", batchID, "document", docID)
		return
	}
	if e.done {
		t.logger.Debug("document outcome already recorded", "batch", batchID, "document", docID)
		return
	}

	fn(&b.record, e)
	e.status.UpdatedAt = t.now().UTC()
	if b.record.Status == core.BatchPending {
		b.record.Status = core.BatchProcessing
	}
	t.finish(&b.record)
	doc := e.status
	t.publish(ctx, b, &doc)
}

// finish settles the batch status once every document has an outcome.
func (t *Tracker) finish(rec *core.BatchRecord) {
	if rec.ProcessedCount < rec.TotalCount {
		return
	}
	rec.Status = core.BatchCompleted
	if rec.ErrorCount > 0 {
		rec.Status = core.BatchError
	}
	rec.CompletedAt = t.now().UTC()
	t.logger.Info("batch finished",
		"batch", rec.BatchID,
		"status", rec.Status,
		"succeeded", rec.SuccessCount,
		"failed", rec.ErrorCount,
		"duration", rec.Duration())
}

// publish persists the record and fans the update out to watchers and
// listeners. Callers hold b.mu, which keeps updates of one batch in order.
func (t *Tracker) publish(ctx context.Context, b *batch, doc *DocumentStatus) {
	ctx = context.WithoutCancel(ctx)
	u := Update{Batch: b.record.Clone(), Document: doc}

	if err := t.batches.SaveBatch(ctx, &u.Batch); err != nil {
		t.logger.Error("saving batch", "batch", u.Batch.BatchID, "error", err)
	}

	for id, ch := range b.watchers {
		if u.Batch.Status.IsTerminal() {
			sendFinal(ch, u)
			close(ch)
			delete(b.watchers, id)
			continue
		}
		select {
		case ch <- u:
		default:
			t.logger.Debug("watcher full, update dropped", "batch", u.Batch.BatchID, "watcher", id)
		}
	}

	t.mu.RLock()
	listeners := t.listeners
	t.mu.RUnlock()
	for _, l := range listeners {
		if err := l.BatchUpdated(ctx, u); err != nil {
			t.logger.Warn("batch listener failed", "batch", u.Batch.BatchID, "error", err)
		}
	}
}

// sendFinal delivers the terminal update, discarding the oldest buffered
// updates until it fits. The tracker is the only sender on ch.
func sendFinal(ch chan Update, u Update) {
	for {
		select {
		case ch <- u:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Watch subscribes to a batch's updates. The channel first receives the
// current snapshot and is closed after the terminal update, or when stop is
// called. Progress updates are dropped for a watcher whose buffer is full;
// the terminal update always arrives, displacing the oldest buffered ones.
func (t *Tracker) Watch(batchID string) (<-chan Update, func(), error) {
	b, ok := t.lookup(batchID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Update, t.config.WatchBuffer)
	ch <- Update{Batch: b.record.Clone()}
	if b.record.Status.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}

	id := b.nextWatch
	b.nextWatch++
	b.watchers[id] = ch
	stop := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if w, ok := b.watchers[id]; ok {
			close(w)
			delete(b.watchers, id)
		}
	}
	return ch, stop, nil
}

// AddListener registers a listener for every later update.
func (t *Tracker) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}
