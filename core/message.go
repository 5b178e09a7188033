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
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// RegistryAgentID is the reserved recipient for heartbeat messages.
const RegistryAgentID = "registry"

// Kind enumerates the message kinds routed by the bus.
type Kind int

const (
	KindTaskDelegation Kind = iota + 1
	KindProgressUpdate
	KindCompletion
	KindError
	KindHeartbeat
	KindControl
)

var kindNames = map[Kind]string{
	KindTaskDelegation: "task-delegation",
	KindProgressUpdate: "progress-update",
	KindCompletion:     "completion",
	KindError:          "error",
	KindHeartbeat:      "heartbeat",
	KindControl:        "control",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind returns the Kind with the given name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, s)
}

// Priority orders messages for dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority returns the Priority with the given name.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == strings.ToLower(s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidMessage, s)
}

// Recipient addresses a message either to a specific agent or to any agent of a role.
type Recipient struct {
	AgentID string
	Role    Role
}

// ToAgent addresses a single agent.
func ToAgent(agentID string) Recipient {
	return Recipient{AgentID: agentID}
}

// ToRole addresses whichever agent of the role the registry selects.
func ToRole(role Role) Recipient {
	return Recipient{Role: role}
}

// IsWildcard reports whether the recipient must be resolved through the registry.
func (r Recipient) IsWildcard() bool {
	return r.AgentID == "" && r.Role != ""
}

func (r Recipient) String() string {
	if r.IsWildcard() {
		return "any:" + string(r.Role)
	}
	return r.AgentID
}

// Message is the immutable envelope routed by the bus.
// Delivery bookkeeping (attempts, timestamps) is kept by the bus, never here.
type Message struct {
	ID            uint64
	Kind          Kind
	Priority      Priority
	Sender        string
	Recipient     Recipient
	ReplyTo       string // Agent that receives outcomes; empty means Sender
	Payload       Payload
	CreatedAt     time.Time
	CorrelationID string
}

var messageSeq atomic.Uint64

// MessageOption configures a message under construction.
type MessageOption func(*Message)

// WithPriority sets the dispatch priority. Default is PriorityNormal.
func WithPriority(p Priority) MessageOption {
	return func(m *Message) {
		m.Priority = p
	}
}

// From sets the sending agent.
func From(agentID string) MessageOption {
	return func(m *Message) {
		m.Sender = agentID
	}
}

// To sets the recipient.
func To(r Recipient) MessageOption {
	return func(m *Message) {
		m.Recipient = r
	}
}

// WithCorrelation ties the message to a chain of related messages.
func WithCorrelation(id string) MessageOption {
	return func(m *Message) {
		m.CorrelationID = id
	}
}

// WithReplyTo directs outcomes to an agent other than the sender.
func WithReplyTo(agentID string) MessageOption {
	return func(m *Message) {
		m.ReplyTo = agentID
	}
}

// NewMessage builds and validates a message. IDs come from a process-wide
// monotonic counter so ties in priority and timestamp break deterministically.
func NewMessage(kind Kind, payload Payload, opts ...MessageOption) (Message, error) {
	m := Message{
		Kind:      kind,
		Priority:  PriorityNormal,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	if err := ValidateMessage(m); err != nil {
		return Message{}, err
	}
	m.ID = messageSeq.Add(1)
	return m, nil
}

// ReplyAddress returns the agent outcomes for this message should be sent to.
func (m Message) ReplyAddress() string {
	if m.ReplyTo != "" {
		return m.ReplyTo
	}
	return m.Sender
}

// Before reports whether m dispatches ahead of other: higher priority first,
// then older first, then lower ID first.
func (m Message) Before(other Message) bool {
	if m.Priority != other.Priority {
		return m.Priority > other.Priority
	}
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// CorrelationFor returns the correlation ID shared by every message about one
// document within one batch.
func CorrelationFor(batchID string, documentID ID) string {
	return batchID + "/" + documentID.String()
}
