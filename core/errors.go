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


package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage indicates a message failed construction checks.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidAgent indicates an agent registration is malformed.
	ErrInvalidAgent = errors.New("invalid agent")

	// ErrDuplicateAgent indicates an agent ID is already registered.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrUnknownAgent indicates an agent ID is not registered.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNoAvailableAgent indicates no registered agent can take a message.
	ErrNoAvailableAgent = errors.New("no available agent")

	// ErrValidation indicates a document is malformed.
	ErrValidation = errors.New("document validation failed")

	// ErrUnsupportedType indicates a document type has no extractor.
	ErrUnsupportedType = errors.New("unsupported document type")

	// ErrEmptyContent indicates a document has no content.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrContentTooLarge indicates content exceeds what analysis accepts.
	ErrContentTooLarge = errors.New("content too large")

	// ErrCancelled indicates processing stopped because its batch was cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrInvalidTransition indicates an illegal pipeline stage change.
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// ErrorClass groups errors by how the system reacts to them.
type ErrorClass int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient ErrorClass = iota + 1
	// ClassValidation errors are terminal and never retried.
	ClassValidation
	// ClassCapacity errors are requeued until a deadline passes.
	ClassCapacity
	// ClassRegistration errors are configuration mistakes and fail fast.
	ClassRegistration
	// ClassCancelled marks work stopped by cancellation.
	ClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassCapacity:
		return "capacity"
	case ClassRegistration:
		return "registration"
	case ClassCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// MarshalText renders the class by name for JSON and YAML output.
func (c ErrorClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a class name produced by MarshalText.
func (c *ErrorClass) UnmarshalText(b []byte) error {
	for class := ClassTransient; class <= ClassCancelled; class++ {
		if class.String() == string(b) {
			*c = class
			return nil
		}
	}
	return fmt.Errorf("unknown error class %q", b)
}

// retryable is implemented by errors from external services that know
// whether a repeat call could succeed.
type retryable interface {
	IsRetryable() bool
}

// Classify maps an error onto the error taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnsupportedType),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrContentTooLarge),
		errors.Is(err, ErrInvalidMessage):
		return ClassValidation
	case errors.Is(err, ErrNoAvailableAgent):
		return ClassCapacity
	case errors.Is(err, ErrDuplicateAgent),
		errors.Is(err, ErrUnknownAgent),
		errors.Is(err, ErrInvalidAgent):
		return ClassRegistration
	}
	var r retryable
	if errors.As(err, &r) && !r.IsRetryable() {
		return ClassValidation
	}
	return ClassTransient
}

// IsRetryable reports whether an error should be retried.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
