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


package badger

import (
	"errors"
	"log/slog"
)

// Repositories bundles every repository sharing one backend.
type Repositories struct {
	Backend   *Backend
	Documents *DocumentRepository
	Batches   *BatchRepository
	Pipelines *PipelineRepository
	Vectors   *VectorIndex
	logger    *slog.Logger
}

// NewRepositories creates all repositories over an already opened backend.
func NewRepositories(backend *Backend) *Repositories {
	return &Repositories{
		Backend:   backend,
		Documents: NewDocumentRepository(backend),
		Batches:   NewBatchRepository(backend),
		Pipelines: NewPipelineRepository(backend),
		Vectors:   NewVectorIndex(backend),
		logger:    backend.logger,
	}
}

// Open opens a backend at path and creates all repositories over it.
func Open(path string, inMemory bool, opts ...BackendOption) (*Repositories, error) {
	backend, err := OpenBackend(path, inMemory, opts...)
	if err != nil {
		return nil, err
	}
	return NewRepositories(backend), nil
}

// NewMemoryRepositories creates in-memory repositories for testing.
// Caller must Close the result when done.
func NewMemoryRepositories() (*Repositories, error) {
	return Open("", true)
}

// Close closes every repository and then the backend.
func (r *Repositories) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{r.Documents, r.Batches, r.Pipelines, r.Vectors} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.Backend.Close(); err != nil {
		r.logger.Error("error closing backend storage", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
