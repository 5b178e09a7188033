package core

import (
	"fmt"
	"maps"
	"time"
)

// Stage is a pipeline state for one document.
type Stage int

const (
	StageQueued Stage = iota + 1
	StageValidating
	StageExtracting
	StageAnalyzing
	StageEnriching
	StageCompleted
	StageFailed
	StageCancelled
)

var stageNames = map[Stage]string{
	StageQueued:     "queued",
	StageValidating: "validating",
	StageExtracting: "extracting",
	StageAnalyzing:  "analyzing",
	StageEnriching:  "enriching",
	StageCompleted:  "completed",
	StageFailed:     "failed",
	StageCancelled:  "cancelled",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// MarshalText renders the stage by name for JSON and YAML output.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a stage name produced by MarshalText.
func (s *Stage) UnmarshalText(b []byte) error {
	for stage, name := range stageNames {
		if name == string(b) {
			*s = stage
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", b)
}

// IsTerminal reports whether no further transition can follow without a retry.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// next holds the forward path through the pipeline.
var next = map[Stage]Stage{
	StageQueued:     StageValidating,
	StageValidating: StageExtracting,
	StageExtracting: StageAnalyzing,
	StageAnalyzing:  StageEnriching,
	StageEnriching:  StageCompleted,
}

// CanTransition reports whether moving from s to to is legal.
func (s Stage) CanTransition(to Stage) bool {
	switch {
	case s == StageCompleted || s == StageCancelled:
		return false
	case s == StageFailed:
		return to == StageQueued
	case to == StageFailed || to == StageCancelled:
		return true
	}
	return next[s] == to
}

// PipelineState tracks one document through the pipeline. Only the agent
// holding the document's delegation mutates it.
type PipelineState struct {
	DocumentID   ID
	BatchID      string
	Stage        Stage
	AttemptCount int
	LastError    string
	NextRetryAt  time.Time
	Metadata     map[string]string
	UpdatedAt    time.Time
}

// NewPipelineState returns the initial queued state for a document.
func NewPipelineState(batchID string, documentID ID) PipelineState {
	return PipelineState{
		DocumentID: documentID,
		BatchID:    batchID,
		Stage:      StageQueued,
		Metadata:   map[string]string{},
		UpdatedAt:  time.Now().UTC(),
	}
}

// Transition moves the state to a new stage.
func (s *PipelineState) Transition(to Stage) error {
	if !s.Stage.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Stage, to)
	}
	s.Stage = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a copy that shares no mutable data with s.
func (s PipelineState) Clone() PipelineState {
	s.Metadata = maps.Clone(s.Metadata)
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	return s
}

// CorrelationID returns the correlation ID for messages about this document.
func (s PipelineState) CorrelationID() string {
	return CorrelationFor(s.BatchID, s.DocumentID)
}
