package core

import (
	"fmt"
	"slices"
	"time"
)

// Role names a kind of agent. Wildcard recipients are resolved by role.
type Role string

const (
	RoleOrchestrator      Role = "orchestrator"
	RoleDomainSpecialist  Role = "domain-specialist"
	RoleDocumentProcessor Role = "document-processor"
	RoleTaxonomyMaster    Role = "taxonomy-master"
	RoleKnowledgeGraph    Role = "knowledge-graph"
)

// Roles lists every known role.
var Roles = []Role{
	RoleOrchestrator,
	RoleDomainSpecialist,
	RoleDocumentProcessor,
	RoleTaxonomyMaster,
	RoleKnowledgeGraph,
}

// ValidateRole checks that a role is one of the known roles.
func ValidateRole(r Role) error {
	if !slices.Contains(Roles, r) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidAgent, r)
	}
	return nil
}

// AgentStatus is the liveness and availability of an agent.
type AgentStatus int

const (
	AgentIdle AgentStatus = iota + 1
	AgentBusy
	AgentUnavailable
	AgentFailed
)

func (s AgentStatus) String() string {
	switch s {
	case AgentIdle:
		return "idle"
	case AgentBusy:
		return "busy"
	case AgentUnavailable:
		return "unavailable"
	case AgentFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Selectable reports whether an agent in this status may receive new work.
func (s AgentStatus) Selectable() bool {
	return s == AgentIdle || s == AgentBusy
}

// AgentRegistration is the registry's view of one agent.
type AgentRegistration struct {
	AgentID       string
	Role          Role
	Capabilities  []Kind
	CurrentLoad   int
	Status        AgentStatus
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// Accepts reports whether the agent handles messages of kind k.
func (a AgentRegistration) Accepts(k Kind) bool {
	return slices.Contains(a.Capabilities, k)
}
