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


// Package storage provides the storage abstraction layer for alexandria.
//
// This package defines repository interfaces that decouple storage implementation
// from the orchestration core. The bus and registry are purely in-memory; storage
// holds what must outlive a process: raw documents, batch records, per-document
// pipeline states and the similarity index.
//
// # Architecture
//
// The storage layer follows the Repository pattern:
//
//   - DocumentRepository: raw document content keyed by content hash
//   - BatchRepository: batch records, listed newest first
//   - PipelineRepository: per-document pipeline states grouped by batch
//   - VectorIndex: document embeddings with brute-force similarity search
//
// Batch records and pipeline states are stored field for field, so the
// persisted schema is exactly the in-memory one.
//
// # Usage
//
// Use in tests with in-memory storage:
//
//	repos, err := badger.NewMemoryRepositories()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer repos.Close()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
