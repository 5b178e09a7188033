package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/poiesic/alexandria/core"
)

// EventType names a step in a message's life on the bus.
type EventType int

const (
	EventPublished EventType = iota + 1
	EventDispatched
	EventAcknowledged
	EventFailed
	EventRequeued
	EventDeadLettered
	EventAbandoned
	EventWithdrawn
	EventRedistributed
)

var eventNames = map[EventType]string{
	EventPublished:     "published",
	EventDispatched:    "dispatched",
	EventAcknowledged:  "acknowledged",
	EventFailed:        "failed",
	EventRequeued:      "requeued",
	EventDeadLettered:  "dead-lettered",
	EventAbandoned:     "abandoned",
	EventWithdrawn:     "withdrawn",
	EventRedistributed: "redistributed",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is one audit record.
type Event struct {
	Type          EventType
	MessageID     uint64
	Kind          core.Kind
	Priority      core.Priority
	Sender        string
	AgentID       string // Resolved recipient, when known
	CorrelationID string
	Attempt       int
	Error         string
	At            time.Time
}

// Filter selects events from the history. Zero fields match everything.
type Filter struct {
	AgentID string // Matches sender or resolved recipient
	Kind    core.Kind
	Type    EventType
	Since   time.Time
	Limit   int // Most recent N after filtering
}

func (f Filter) matches(e Event) bool {
	if f.AgentID != "" && e.Sender != f.AgentID && e.AgentID != f.AgentID {
		return false
	}
	if f.Kind != 0 && e.Kind != f.Kind {
		return false
	}
	if f.Type != 0 && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.At.Before(f.Since) {
		return false
	}
	return true
}

// history is a fixed-size ring of events with its own lock so recording
// never contends with dispatch.
type history struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func newHistory(size int) *history {
	return &history{events: make([]Event, size)}
}

func (h *history) record(e Event) {
	if len(h.events) == 0 {
		return
	}
	h.mu.Lock()
	h.events[h.next] = e
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// query returns matching events, oldest first.
func (h *history) query(f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []Event
	if h.full {
		ordered = append(ordered, h.events[h.next:]...)
	}
	ordered = append(ordered, h.events[:h.next]...)

	out := make([]Event, 0, len(ordered))
	for _, e := range ordered {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
