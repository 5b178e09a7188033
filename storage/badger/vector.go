package badger

import (
	"context"
	"math"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/storage"
)

// VectorIndex implements storage.VectorIndex for BadgerDB.
// Vectors are normalized on write so similarity is a plain dot product.
type VectorIndex struct {
	backend *Backend
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

// NewVectorIndex creates a new VectorIndex.
func NewVectorIndex(backend *Backend) *VectorIndex {
	return &VectorIndex{backend: backend}
}

// Close is a no-op; the backend is closed by its owner.
func (v *VectorIndex) Close() error {
	return nil
}

// Upsert stores or replaces a document's vector and metadata.
func (v *VectorIndex) Upsert(ctx context.Context, documentID core.ID, vector []float32, metadata map[string]string) error {
	if len(vector) == 0 {
		return storage.ErrInvalidQuery
	}
	entry := &core.IndexEntry{
		DocumentID: documentID,
		Vector:     normalize(vector),
		Metadata:   metadata,
	}
	return v.backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Set(makeVectorKey(documentID), storage.MarshalIndexEntry(entry)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// Delete removes a document's entry.
func (v *VectorIndex) Delete(ctx context.Context, documentID core.ID) error {
	return v.backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Delete(makeVectorKey(documentID)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// Query returns the k entries most similar to vector, highest score first.
func (v *VectorIndex) Query(ctx context.Context, vector []float32, k int) ([]core.Match, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, storage.ErrInvalidQuery
	}
	query := normalize(vector)

	var results []core.Match
	err := v.backend.WithTx(func(tx *badger.Txn) error {
		return scan(tx, []byte(vectorPrefix+":"), false, func(_, val []byte) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			entry, err := storage.UnmarshalIndexEntry(val)
			if err != nil {
				return false, err
			}
			if len(entry.Vector) == 0 {
				return true, nil
			}
			results = append(results, core.Match{
				DocumentID: entry.DocumentID,
				Score:      dotProduct(query, entry.Vector),
				Metadata:   entry.Metadata,
			})
			return true, nil
		})
	}, false)
	if err != nil {
		return nil, err
	}

	// Sort by similarity descending, then by ID for stable output
	slices.SortFunc(results, func(a, b core.Match) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		if a.DocumentID < b.DocumentID {
			return -1
		}
		if a.DocumentID > b.DocumentID {
			return 1
		}
		return 0
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// normalize scales a vector to unit length. Zero vectors are returned as is.
func normalize(vector []float32) []float32 {
	var sumSquares float64
	for _, x := range vector {
		sumSquares += float64(x) * float64(x)
	}
	out := make([]float32, len(vector))
	if sumSquares == 0 {
		copy(out, vector)
		return out
	}
	norm := float32(1 / math.Sqrt(sumSquares))
	for i, x := range vector {
		out[i] = x * norm
	}
	return out
}
