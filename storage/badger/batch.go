package badger

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/storage"
)

// BatchRepository implements storage.BatchRepository for BadgerDB.
// Records are indexed by creation time so listings come back newest first.
type BatchRepository struct {
	backend *Backend
}

var _ storage.BatchRepository = (*BatchRepository)(nil)

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(backend *Backend) *BatchRepository {
	return &BatchRepository{backend: backend}
}

// Close is a no-op; the backend is closed by its owner.
func (r *BatchRepository) Close() error {
	return nil
}

// SaveBatch inserts or replaces a batch record.
func (r *BatchRepository) SaveBatch(ctx context.Context, record *core.BatchRecord) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Set(makeBatchKey(record.BatchID), storage.MarshalBatchRecord(record)); err != nil {
			return err
		}
		// CreatedAt never changes, so rewriting the index entry is idempotent
		dateKey := makeBatchDateKey(record.CreatedAt, record.BatchID)
		if err := tx.Set(dateKey, []byte(record.BatchID)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// GetBatch retrieves a batch record by ID.
func (r *BatchRepository) GetBatch(ctx context.Context, batchID string) (*core.BatchRecord, error) {
	var result *core.BatchRecord
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		result, err = readValue(tx, makeBatchKey(batchID), storage.UnmarshalBatchRecord)
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

// ListBatches returns up to limit batch records, newest first.
func (r *BatchRepository) ListBatches(ctx context.Context, limit int) ([]*core.BatchRecord, error) {
	var results []*core.BatchRecord
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var ids []string
		err := scan(tx, []byte(batchDatePrefix+":"), true, func(_, val []byte) (bool, error) {
			ids = append(ids, string(val))
			return limit <= 0 || len(ids) < limit, nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			record, err := readValue(tx, makeBatchKey(id), storage.UnmarshalBatchRecord)
			if err != nil {
				return err
			}
			if record != nil {
				results = append(results, record)
			}
		}
		return nil
	}, false)
	return results, err
}
