package ai

import (
	"fmt"
	"slices"
)

// Classifications defines the valid document classes an analyzer may assign.
var Classifications = []string{
	"article",
	"book",
	"code",
	"correspondence",
	"documentation",
	"legal",
	"meeting_notes",
	"personal",
	"presentation",
	"reference",
	"report",
	"research_paper",
	"specification",
	"tutorial",
	"other",
}

// IsClassification reports whether name is a known classification.
func IsClassification(name string) bool {
	return slices.Contains(Classifications, name)
}

// TransformError reports a failed analysis call.
type TransformError struct {
	// Retryable is true when repeating the call could succeed, such as after
	// a timeout or an unavailable service.
	Retryable bool
	Err       error
}

func (e *TransformError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("text transform failed (%s): %v", kind, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failed call may be repeated.
func (e *TransformError) IsRetryable() bool {
	return e.Retryable
}
