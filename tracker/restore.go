package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/alexandria/core"
)

// Load restores persisted batches that are not yet tracked. Batches that were
// still running are resumed: documents without a counted outcome are
// delegated again from their last persisted pipeline state.
func (t *Tracker) Load(ctx context.Context) error {
	records, err := t.batches.ListBatches(ctx, 0)
	if err != nil {
		return fmt.Errorf("listing batches: %w", err)
	}

	var errs []error
	resumed := 0
	for _, rec := range records {
		if _, known := t.lookup(rec.BatchID); known {
			continue
		}
		states, err := t.states.GetStatesByBatch(ctx, rec.BatchID)
		if err != nil {
			errs = append(errs, fmt.Errorf("loading states of %s: %w", rec.BatchID, err))
			continue
		}
		byDoc := make(map[core.ID]*core.PipelineState, len(states))
		for _, s := range states {
			byDoc[s.DocumentID] = s
		}

		b := newBatch(rec.Clone())
		pending := t.restore(ctx, b, byDoc)
		t.mu.Lock()
		t.records[rec.BatchID] = b
		t.mu.Unlock()

		if len(pending) == 0 {
			continue
		}
		resumed++
		for _, id := range pending {
			state := core.NewPipelineState(rec.BatchID, id)
			if s, ok := byDoc[id]; ok {
				state = s.Clone()
			}
			if err := t.delegate(ctx, state, core.PriorityNormal); err != nil {
				errs = append(errs, err)
				t.recordFailure(ctx, rec.BatchID, id, core.Classify(err), err.Error())
			}
		}
	}
	t.logger.Info("batches loaded", "batches", len(records), "resumed", resumed)
	return errors.Join(errs...)
}

// restore rebuilds document statuses and recounts a running batch from its
// recorded errors and persisted states. It returns the documents that still
// need processing.
func (t *Tracker) restore(ctx context.Context, b *batch, states map[core.ID]*core.PipelineState) []core.ID {
	failed := make(map[core.ID]core.DocumentError, len(b.record.Errors))
	for _, e := range b.record.Errors {
		failed[e.DocumentID] = e
	}

	for id, e := range b.docs {
		if s, ok := states[id]; ok {
			e.status.Stage = s.Stage
			e.status.Attempt = s.AttemptCount + 1
			e.status.Error = s.LastError
			e.status.UpdatedAt = s.UpdatedAt
		}
		if f, ok := failed[id]; ok {
			e.done = true
			e.status.Stage = core.StageFailed
			e.status.Error = f.Message
			e.status.Class = f.Class
		}
	}
	if b.record.Status.IsTerminal() {
		return nil
	}

	rec := &b.record
	rec.SuccessCount, rec.ErrorCount = 0, 0
	var pending []core.ID
	for _, id := range rec.Documents {
		e := b.docs[id]
		switch {
		case e.done:
			rec.ErrorCount++
		case e.status.Stage == core.StageCompleted:
			e.done = true
			rec.SuccessCount++
		default:
			pending = append(pending, id)
		}
	}
	rec.ProcessedCount = rec.SuccessCount + rec.ErrorCount
	t.finish(rec)
	if rec.Status.IsTerminal() {
		if err := t.batches.SaveBatch(ctx, rec); err != nil {
			t.logger.Error("saving restored batch", "batch", rec.BatchID, "error", err)
		}
	}
	return pending
}
