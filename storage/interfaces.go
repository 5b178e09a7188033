package storage

import (
	"context"

	"github.com/poiesic/alexandria/core"
)

// Repository provides common storage operations shared across all repositories.
// Implementations must be thread-safe and support concurrent access.
type Repository interface {
	// Close releases resources held by the repository. The shared backend
	// is closed separately by its owner.
	Close() error
}

// DocumentRepository stores raw documents awaiting or finished with processing.
type DocumentRepository interface {
	Repository
	// AddDocuments stores documents, replacing any with the same ID.
	// Sets InsertedAt on each document.
	AddDocuments(ctx context.Context, docs ...*core.Document) ([]*core.Document, error)

	// GetDocument retrieves a single document by ID.
	// Returns ErrNotFound if the document doesn't exist.
	GetDocument(ctx context.Context, id core.ID) (*core.Document, error)

	// GetDocuments retrieves multiple documents by their IDs.
	// Returns only the documents that exist (no error for missing documents).
	GetDocuments(ctx context.Context, ids ...core.ID) ([]*core.Document, error)

	// DeleteDocuments removes documents by their IDs.
	// Returns ErrNotFound if any document doesn't exist.
	DeleteDocuments(ctx context.Context, ids ...core.ID) error
}

// BatchRepository persists batch records. Fields are stored verbatim.
type BatchRepository interface {
	Repository
	// SaveBatch inserts or replaces a batch record.
	SaveBatch(ctx context.Context, record *core.BatchRecord) error

	// GetBatch retrieves a batch record by ID.
	// Returns ErrNotFound if the batch doesn't exist.
	GetBatch(ctx context.Context, batchID string) (*core.BatchRecord, error)

	// ListBatches returns up to limit batch records, newest first.
	// A limit of zero or less returns every record.
	ListBatches(ctx context.Context, limit int) ([]*core.BatchRecord, error)
}

// PipelineRepository persists per-document pipeline states.
type PipelineRepository interface {
	Repository
	// SaveState inserts or replaces the state of one document within a batch.
	SaveState(ctx context.Context, state *core.PipelineState) error

	// GetState retrieves a document's state within a batch.
	// Returns ErrNotFound if no state was saved.
	GetState(ctx context.Context, batchID string, documentID core.ID) (*core.PipelineState, error)

	// GetStatesByBatch returns every state saved for a batch, ordered by document ID.
	GetStatesByBatch(ctx context.Context, batchID string) ([]*core.PipelineState, error)
}

// VectorIndex is the similarity index consulted by the enriching stage and search.
type VectorIndex interface {
	Repository
	// Upsert stores or replaces a document's vector and metadata.
	Upsert(ctx context.Context, documentID core.ID, vector []float32, metadata map[string]string) error

	// Query returns the k entries most similar to vector, highest score first.
	// Returns ErrInvalidQuery if k is not positive or vector is empty.
	Query(ctx context.Context, vector []float32, k int) ([]core.Match, error)

	// Delete removes a document's entry. Missing entries are ignored.
	Delete(ctx context.Context, documentID core.ID) error
}
