package core

import "fmt"

// Payload is the kind-specific body of a message. The set of payload types is
// closed; each one declares the message kinds it may travel under.
type Payload interface {
	acceptsKind(k Kind) bool
	validate() error
}

// DocumentTask delegates processing of one document. The pipeline state
// travels with it so ownership moves only through the bus.
type DocumentTask struct {
	State PipelineState
}

func (DocumentTask) acceptsKind(k Kind) bool { return k == KindTaskDelegation }

func (t DocumentTask) validate() error {
	if t.State.DocumentID == 0 {
		return fmt.Errorf("%w: document task without document", ErrInvalidMessage)
	}
	if t.State.BatchID == "" {
		return fmt.Errorf("%w: document task without batch", ErrInvalidMessage)
	}
	return nil
}

// TaxonomyTask asks the taxonomy master to index a processed document's tags.
type TaxonomyTask struct {
	BatchID        string
	DocumentID     ID
	Classification string
	Tags           []string
}

func (TaxonomyTask) acceptsKind(k Kind) bool { return k == KindTaskDelegation }

func (t TaxonomyTask) validate() error {
	if t.DocumentID == 0 {
		return fmt.Errorf("%w: taxonomy task without document", ErrInvalidMessage)
	}
	return nil
}

// GraphTask asks the knowledge graph to link a document to its tags and classification.
type GraphTask struct {
	BatchID        string
	DocumentID     ID
	Title          string
	Classification string
	Tags           []string
}

func (GraphTask) acceptsKind(k Kind) bool { return k == KindTaskDelegation }

func (t GraphTask) validate() error {
	if t.DocumentID == 0 {
		return fmt.Errorf("%w: graph task without document", ErrInvalidMessage)
	}
	return nil
}

// Progress reports a pipeline stage transition.
type Progress struct {
	BatchID    string
	DocumentID ID
	Stage      Stage
	Attempt    int
}

func (Progress) acceptsKind(k Kind) bool { return k == KindProgressUpdate }

func (p Progress) validate() error {
	if p.BatchID == "" || p.DocumentID == 0 {
		return fmt.Errorf("%w: progress without batch or document", ErrInvalidMessage)
	}
	return nil
}

// Result is the successful outcome of processing a document.
type Result struct {
	Metadata map[string]string
}

// Failure is the unsuccessful outcome of processing a document.
type Failure struct {
	Class   ErrorClass
	Message string
}

// Completion carries exactly one of Result or Failure.
type Completion struct {
	BatchID    string
	DocumentID ID
	Result     *Result
	Failure    *Failure
}

func (Completion) acceptsKind(k Kind) bool { return k == KindCompletion }

func (c Completion) validate() error {
	if c.Result == nil && c.Failure == nil {
		return fmt.Errorf("%w: completion needs a result or a failure", ErrInvalidMessage)
	}
	if c.Result != nil && c.Failure != nil {
		return fmt.Errorf("%w: completion cannot carry both result and failure", ErrInvalidMessage)
	}
	return nil
}

// ErrorReport describes a failure. Terminal reports end the document's processing.
type ErrorReport struct {
	BatchID    string
	DocumentID ID
	Class      ErrorClass
	Message    string
	Terminal   bool
	MessageID  uint64 // Message that failed, when the report came from the bus
}

func (ErrorReport) acceptsKind(k Kind) bool { return k == KindError }

func (r ErrorReport) validate() error {
	if r.Message == "" {
		return fmt.Errorf("%w: error report without message", ErrInvalidMessage)
	}
	return nil
}

// Heartbeat tells the registry an agent is alive.
type Heartbeat struct {
	AgentID string
	Load    int
}

func (Heartbeat) acceptsKind(k Kind) bool { return k == KindHeartbeat }

func (h Heartbeat) validate() error {
	if h.AgentID == "" {
		return fmt.Errorf("%w: heartbeat without agent", ErrInvalidMessage)
	}
	return nil
}

// ControlAction enumerates control instructions.
type ControlAction int

const (
	ControlCancel ControlAction = iota + 1
)

func (a ControlAction) String() string {
	if a == ControlCancel {
		return "cancel"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Control instructs an agent. A zero DocumentID applies to the whole batch.
type Control struct {
	Action     ControlAction
	BatchID    string
	DocumentID ID
}

func (Control) acceptsKind(k Kind) bool { return k == KindControl }

func (c Control) validate() error {
	if c.Action != ControlCancel {
		return fmt.Errorf("%w: unknown control action %d", ErrInvalidMessage, c.Action)
	}
	if c.BatchID == "" {
		return fmt.Errorf("%w: control without batch", ErrInvalidMessage)
	}
	return nil
}

var (
	_ Payload = DocumentTask{}
	_ Payload = TaxonomyTask{}
	_ Payload = GraphTask{}
	_ Payload = Progress{}
	_ Payload = Completion{}
	_ Payload = ErrorReport{}
	_ Payload = Heartbeat{}
	_ Payload = Control{}
)
