package bus

import "errors"

var (
	// ErrBusClosed is returned by Publish after Stop has been called.
	ErrBusClosed = errors.New("bus closed")

	// ErrBusRunning is returned by Start when the bus is already running.
	ErrBusRunning = errors.New("bus already running")

	// ErrAckTimeout marks a delivery whose handler did not return in time.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrHandlerPanic marks a delivery whose handler panicked.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrNilHandler is returned by Subscribe when handler is nil.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrRegistryRequired is returned by New when no registry is supplied.
	ErrRegistryRequired = errors.New("registry is required")

	// ErrInvalidConfig indicates a bus configuration failed validation.
	ErrInvalidConfig = errors.New("invalid bus configuration")
)
