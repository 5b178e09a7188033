package badger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/poiesic/alexandria/core"
)

// Key prefixes for different data types
const (
	documentPrefix      = "doc"
	batchPrefix         = "bat"
	batchDatePrefix     = "batd"
	pipelineStatePrefix = "pst"
	vectorPrefix        = "vec"
)

// makeDocumentKey generates a key for a document by ID.
func makeDocumentKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", documentPrefix, id))
}

// makeBatchKey generates a key for a batch record by ID.
func makeBatchKey(batchID string) []byte {
	return []byte(batchPrefix + ":" + batchID)
}

// makeBatchDateKey generates a composite key for the creation-time index.
// Format: prefix:timestamp:batchID
func makeBatchDateKey(createdAt time.Time, batchID string) []byte {
	prefix := batchDatePrefix + ":"
	buf := make([]byte, len(prefix)+8+len(batchID))
	offset := copy(buf, prefix)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], uint64(createdAt.UnixMicro()))
	offset += 8
	copy(buf[offset:], batchID)
	return buf
}

// makePipelineStateKey generates a composite key for a document's state in a batch.
// Format: prefix:batchID:documentID
func makePipelineStateKey(batchID string, documentID core.ID) []byte {
	prefix := makePartialPipelineStateKey(batchID)
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(documentID))
	return buf
}

// makePartialPipelineStateKey generates a prefix covering every state in a batch.
// Format: prefix:batchID:
func makePartialPipelineStateKey(batchID string) []byte {
	return []byte(pipelineStatePrefix + ":" + batchID + ":")
}

// makeVectorKey generates a key for a document's index entry.
func makeVectorKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", vectorPrefix, id))
}
