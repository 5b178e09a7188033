package core

import (
	"fmt"
	"slices"
	"time"
)

// BatchStatus is the aggregate state of a batch.
type BatchStatus int

const (
	BatchPending BatchStatus = iota + 1
	BatchProcessing
	BatchCompleted
	BatchError
	BatchCancelled
)

var batchStatusNames = map[BatchStatus]string{
	BatchPending:    "pending",
	BatchProcessing: "processing",
	BatchCompleted:  "completed",
	BatchError:      "error",
	BatchCancelled:  "cancelled",
}

func (s BatchStatus) String() string {
	if name, ok := batchStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("batch-status(%d)", int(s))
}

// IsTerminal reports whether a batch in this status can no longer change.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchError || s == BatchCancelled
}

// MarshalText renders the status by name for JSON and YAML output.
func (s BatchStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name produced by MarshalText.
func (s *BatchStatus) UnmarshalText(b []byte) error {
	for status, name := range batchStatusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown batch status %q", b)
}

// DocumentError attributes a failure to one document.
type DocumentError struct {
	DocumentID ID         `json:"document_id"`
	Class      ErrorClass `json:"class"`
	Message    string     `json:"message"`
}

// BatchRecord is the aggregate progress of a submitted batch.
type BatchRecord struct {
	BatchID         string          `json:"batch_id"`
	Documents       []ID            `json:"documents"`
	TotalCount      int             `json:"total_count"`
	ProcessedCount  int             `json:"processed_count"`
	SuccessCount    int             `json:"success_count"`
	ErrorCount      int             `json:"error_count"`
	CurrentDocument ID              `json:"current_document,omitzero"` // Zero when no document has reported yet
	Status          BatchStatus     `json:"status"`
	Errors          []DocumentError `json:"errors"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     time.Time       `json:"completed_at,omitzero"` // Zero until the batch is terminal
}

// Clone returns a deep copy of the record.
func (r BatchRecord) Clone() BatchRecord {
	r.Documents = slices.Clone(r.Documents)
	r.Errors = slices.Clone(r.Errors)
	return r
}

// SuccessRate returns the fraction of processed documents that succeeded.
func (r BatchRecord) SuccessRate() float64 {
	if r.ProcessedCount == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.ProcessedCount)
}

// Duration returns how long the batch ran, or has run so far.
func (r BatchRecord) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return time.Since(r.CreatedAt)
	}
	return r.CompletedAt.Sub(r.CreatedAt)
}
