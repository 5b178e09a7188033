// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import (
	"fmt"

	"github.com/poiesic/alexandria/core"
)

// MarshalDocument serializes a Document to bytes.
func MarshalDocument(doc *core.Document) []byte {
	buf := make([]byte, core.DocumentMUS.Size(*doc))
	core.DocumentMUS.Marshal(*doc, buf)
	return buf
}

// UnmarshalDocument deserializes a Document from bytes.
func UnmarshalDocument(data []byte) (*core.Document, error) {
	doc, _, err := core.DocumentMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: document: %w", ErrSerializationFailed, err)
	}
	return &doc, nil
}

// MarshalBatchRecord serializes a BatchRecord to bytes.
func MarshalBatchRecord(record *core.BatchRecord) []byte {
	buf := make([]byte, core.BatchRecordMUS.Size(*record))
	core.BatchRecordMUS.Marshal(*record, buf)
	return buf
}

// UnmarshalBatchRecord deserializes a BatchRecord from bytes.
func UnmarshalBatchRecord(data []byte) (*core.BatchRecord, error) {
	record, _, err := core.BatchRecordMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: batch record: %w", ErrSerializationFailed, err)
	}
	return &record, nil
}

// MarshalPipelineState serializes a PipelineState to bytes.
func MarshalPipelineState(state *core.PipelineState) []byte {
	buf := make([]byte, core.PipelineStateMUS.Size(*state))
	core.PipelineStateMUS.Marshal(*state, buf)
	return buf
}

// UnmarshalPipelineState deserializes a PipelineState from bytes.
func UnmarshalPipelineState(data []byte) (*core.PipelineState, error) {
	state, _, err := core.PipelineStateMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: pipeline state: %w", ErrSerializationFailed, err)
	}
	return &state, nil
}

// MarshalIndexEntry serializes an IndexEntry to bytes.
func MarshalIndexEntry(entry *core.IndexEntry) []byte {
	buf := make([]byte, core.IndexEntryMUS.Size(*entry))
	core.IndexEntryMUS.Marshal(*entry, buf)
	return buf
}

// UnmarshalIndexEntry deserializes an IndexEntry from bytes.
func UnmarshalIndexEntry(data []byte) (*core.IndexEntry, error) {
	entry, _, err := core.IndexEntryMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: index entry: %w", ErrSerializationFailed, err)
	}
	return &entry, nil
}
