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


package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/registry"
)

var (
	// ErrBusRequired is returned when a runtime is created without a bus.
	ErrBusRequired = errors.New("bus required")

	// ErrRegistryRequired is returned when a runtime is created without a registry.
	ErrRegistryRequired = errors.New("registry required")

	// ErrNoHandlers is returned when an agent declares no handlers.
	ErrNoHandlers = errors.New("agent declares no handlers")
)

// Agent is a participant on the bus. Handlers is its registration table: the
// kinds it declares become its registry capabilities and bus subscriptions.
type Agent interface {
	ID() string
	Role() core.Role
	Handlers() map[core.Kind]bus.Handler
}

// TaskAgent accepts task delegations.
type TaskAgent interface {
	Agent
	HandleTask(ctx context.Context, d *bus.Delivery) error
}

// ControlAgent accepts control instructions.
type ControlAgent interface {
	Agent
	HandleControl(ctx context.Context, d *bus.Delivery) error
}

// Runtime attaches agents to a bus and registry and keeps their heartbeats
// flowing while Run is active.
type Runtime struct {
	bus      *bus.Bus
	registry *registry.Registry
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	agents map[string]Agent
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime) error

// WithHeartbeatInterval sets how often attached agents report liveness.
// Default is a third of the registry's liveness timeout.
func WithHeartbeatInterval(d time.Duration) RuntimeOption {
	return func(r *Runtime) error {
		if d <= 0 {
			return fmt.Errorf("heartbeat interval must be positive, got %s", d)
		}
		r.interval = d
		return nil
	}
}

// WithRuntimeLogger sets a custom logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) error {
		r.logger = logger
		return nil
	}
}

// NewRuntime creates a runtime over b and reg.
func NewRuntime(b *bus.Bus, reg *registry.Registry, opts ...RuntimeOption) (*Runtime, error) {
	if b == nil {
		return nil, ErrBusRequired
	}
	if reg == nil {
		return nil, ErrRegistryRequired
	}
	r := &Runtime{
		bus:      b,
		registry: reg,
		interval: reg.Config().LivenessTimeout / 3,
		logger:   slog.Default(),
		agents:   make(map[string]Agent),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "agent-runtime")
	return r, nil
}

// Attach registers a and subscribes its handlers.
func (r *Runtime) Attach(a Agent) error {
	handlers := a.Handlers()
	if len(handlers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoHandlers, a.ID())
	}
	kinds := slices.Sorted(maps.Keys(handlers))

	if err := r.registry.Register(a.ID(), a.Role(), kinds...); err != nil {
		return err
	}
	for _, k := range kinds {
		if err := r.bus.Subscribe(a.ID(), handlers[k], k); err != nil {
			r.bus.Unsubscribe(a.ID())
			r.registry.Unregister(a.ID())
			return fmt.Errorf("subscribing %s to %s: %w", a.ID(), k, err)
		}
	}

	r.mu.Lock()
	r.agents[a.ID()] = a
	r.mu.Unlock()
	r.logger.Info("agent attached", "agent", a.ID(), "role", a.Role(), "kinds", kinds)
	return nil
}

// Detach unsubscribes and unregisters an agent. Work it held is redistributed.
func (r *Runtime) Detach(agentID string) {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.bus.Unsubscribe(agentID)
	r.registry.Unregister(agentID)
	r.logger.Info("agent detached", "agent", agentID)
}

// Agents returns the IDs of attached agents, sorted.
func (r *Runtime) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.agents))
}

// Run publishes a heartbeat for every attached agent each interval until ctx ends.
func (r *Runtime) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Beat()
		}
	}
}

// Beat publishes one heartbeat per attached agent.
func (r *Runtime) Beat() {
	for _, id := range r.Agents() {
		load := 0
		if reg, ok := r.registry.Get(id); ok {
			load = reg.CurrentLoad
		}
		msg, err := core.NewMessage(core.KindHeartbeat,
			core.Heartbeat{AgentID: id, Load: load},
			core.From(id),
			core.To(core.ToAgent(core.RegistryAgentID)),
			core.WithPriority(core.PriorityHigh))
		if err != nil {
			r.logger.Error("building heartbeat", "agent", id, "error", err)
			continue
		}
		if err := r.bus.Publish(msg); err != nil {
			if errors.Is(err, bus.ErrBusClosed) {
				return
			}
			r.logger.Warn("publishing heartbeat", "agent", id, "error", err)
		}
	}
}

// reply publishes payload to the reply address of the message being handled,
// keeping its correlation and priority.
func reply(b *bus.Bus, from string, to core.Message, kind core.Kind, payload core.Payload) error {
	msg, err := core.NewMessage(kind, payload,
		core.From(from),
		core.To(core.ToAgent(to.ReplyAddress())),
		core.WithPriority(to.Priority),
		core.WithCorrelation(to.CorrelationID))
	if err != nil {
		return err
	}
	return b.Publish(msg)
}
