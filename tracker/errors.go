package tracker

import "errors"

var (
	// ErrBatchNotFound indicates no batch with the given ID is tracked.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchTerminal indicates a batch can no longer change.
	ErrBatchTerminal = errors.New("batch is terminal")

	// ErrEmptyBatch indicates a submission without documents.
	ErrEmptyBatch = errors.New("batch has no documents")

	// ErrBusRequired is returned when a tracker is created without a bus.
	ErrBusRequired = errors.New("bus required")

	// ErrRegistryRequired is returned when a tracker is created without a registry.
	ErrRegistryRequired = errors.New("registry required")

	// ErrRepositoryRequired is returned when a tracker is created without
	// its batch or pipeline repository.
	ErrRepositoryRequired = errors.New("repository required")
)
