package badger

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/storage"
)

// PipelineRepository implements storage.PipelineRepository for BadgerDB.
type PipelineRepository struct {
	backend *Backend
}

var _ storage.PipelineRepository = (*PipelineRepository)(nil)

// NewPipelineRepository creates a new PipelineRepository.
func NewPipelineRepository(backend *Backend) *PipelineRepository {
	return &PipelineRepository{backend: backend}
}

// Close is a no-op; the backend is closed by its owner.
func (r *PipelineRepository) Close() error {
	return nil
}

// SaveState inserts or replaces the state of one document within a batch.
func (r *PipelineRepository) SaveState(ctx context.Context, state *core.PipelineState) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		key := makePipelineStateKey(state.BatchID, state.DocumentID)
		if err := tx.Set(key, storage.MarshalPipelineState(state)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// GetState retrieves a document's state within a batch.
func (r *PipelineRepository) GetState(ctx context.Context, batchID string, documentID core.ID) (*core.PipelineState, error) {
	var result *core.PipelineState
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		result, err = readValue(tx, makePipelineStateKey(batchID, documentID), storage.UnmarshalPipelineState)
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return result, err
}

// GetStatesByBatch returns every state saved for a batch, ordered by document ID.
func (r *PipelineRepository) GetStatesByBatch(ctx context.Context, batchID string) ([]*core.PipelineState, error) {
	var results []*core.PipelineState
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		return scan(tx, makePartialPipelineStateKey(batchID), false, func(_, val []byte) (bool, error) {
			state, err := storage.UnmarshalPipelineState(val)
			if err != nil {
				return false, err
			}
			results = append(results, state)
			return true, nil
		})
	}, false)
	return results, err
}
