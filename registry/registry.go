package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/alexandria/core"
)

// ErrInvalidConfig indicates a registry configuration failed validation.
var ErrInvalidConfig = errors.New("invalid registry configuration")

// Config holds liveness settings.
type Config struct {
	// LivenessTimeout is how long an agent may go without a heartbeat before
	// it is marked unavailable and its held documents are redistributed.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	// EvictAfter is how long without a heartbeat before the agent is removed.
	EvictAfter time.Duration `yaml:"evict_after"`
	// SweepInterval is how often Run checks liveness.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the default liveness settings.
func DefaultConfig() Config {
	return Config{
		LivenessTimeout: 30 * time.Second,
		EvictAfter:      90 * time.Second,
		SweepInterval:   5 * time.Second,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.LivenessTimeout <= 0 {
		return fmt.Errorf("%w: liveness timeout must be positive", ErrInvalidConfig)
	}
	if c.EvictAfter < c.LivenessTimeout {
		return fmt.Errorf("%w: evict after must not be shorter than liveness timeout", ErrInvalidConfig)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// LossFunc receives the document delegations an agent was holding when it
// became unavailable, failed, or was unregistered.
type LossFunc func(agentID string, role core.Role, held []core.Message)

type entry struct {
	reg core.AgentRegistration
	// Every message acquired and not yet released, keyed by message ID.
	inflight map[uint64]core.Message
}

// Registry tracks which agents exist, what they accept, and how loaded they are.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	onLost LossFunc

	config Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry) error

// WithConfig sets liveness settings.
// Default is DefaultConfig().
func WithConfig(config Config) Option {
	return func(r *Registry) error {
		if err := config.Validate(); err != nil {
			return err
		}
		r.config = config
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		r.now = now
		return nil
	}
}

// New creates an empty registry.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		agents: make(map[string]*entry),
		config: DefaultConfig(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "registry")
	return r, nil
}

// Config returns the active liveness settings.
func (r *Registry) Config() Config {
	return r.config
}

// OnAgentLost installs the hook that receives held delegations of lost agents.
// The hook is always called without the registry lock held.
func (r *Registry) OnAgentLost(fn LossFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLost = fn
}

// Register adds an agent. The agent starts idle with a fresh heartbeat.
func (r *Registry) Register(agentID string, role core.Role, capabilities ...core.Kind) error {
	if strings.TrimSpace(agentID) == "" {
		return fmt.Errorf("%w: agent id cannot be empty", core.ErrInvalidAgent)
	}
	if agentID == core.RegistryAgentID {
		return fmt.Errorf("%w: agent id %q is reserved", core.ErrInvalidAgent, agentID)
	}
	if err := core.ValidateRole(role); err != nil {
		return err
	}
	if len(capabilities) == 0 {
		return fmt.Errorf("%w: agent %s declares no capabilities", core.ErrInvalidAgent, agentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateAgent, agentID)
	}
	now := r.now()
	caps := slices.Clone(capabilities)
	slices.Sort(caps)
	r.agents[agentID] = &entry{
		reg: core.AgentRegistration{
			AgentID:       agentID,
			Role:          role,
			Capabilities:  slices.Compact(caps),
			Status:        core.AgentIdle,
			LastHeartbeat: now,
			RegisteredAt:  now,
		},
		inflight: make(map[uint64]core.Message),
	}
	r.logger.Info("agent registered", "agent", agentID, "role", role)
	return nil
}

// Unregister removes an agent. Unknown agents are ignored. Any document
// delegations the agent held are handed to the loss hook.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.agents, agentID)
	held := drainHeld(e)
	hook := r.onLost
	r.mu.Unlock()

	r.logger.Info("agent unregistered", "agent", agentID, "held", len(held))
	notifyLost(hook, e.reg, held)
}

// SelectRecipient returns the least-loaded selectable agent of role that
// accepts kind. Ties go to the lowest agent ID.
func (r *Registry) SelectRecipient(role core.Role, kind core.Kind) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *core.AgentRegistration
	for _, e := range r.agents {
		reg := &e.reg
		if reg.Role != role || !reg.Status.Selectable() || !reg.Accepts(kind) {
			continue
		}
		if best == nil ||
			reg.CurrentLoad < best.CurrentLoad ||
			(reg.CurrentLoad == best.CurrentLoad && reg.AgentID < best.AgentID) {
			best = reg
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: role %s, kind %s", core.ErrNoAvailableAgent, role, kind)
	}
	return best.AgentID, nil
}

// Heartbeat records that an agent is alive. Unavailable agents become
// selectable again; failed agents stay failed until re-registered.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownAgent, agentID)
	}
	e.reg.LastHeartbeat = r.now()
	if e.reg.Status == core.AgentUnavailable {
		e.reg.Status = loadStatus(e.reg.CurrentLoad)
		r.logger.Info("agent recovered", "agent", agentID)
	}
	return nil
}

// Acquire records that msg has been dispatched to agentID.
// It fails with core.ErrNoAvailableAgent if the agent cannot take work.
func (r *Registry) Acquire(agentID string, msg core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNoAvailableAgent, agentID)
	}
	if !e.reg.Status.Selectable() {
		return fmt.Errorf("%w: agent %s is %s", core.ErrNoAvailableAgent, agentID, e.reg.Status)
	}
	if _, dup := e.inflight[msg.ID]; dup {
		return nil
	}
	e.inflight[msg.ID] = msg
	e.reg.CurrentLoad++
	e.reg.Status = core.AgentBusy
	return nil
}

// Release records that agentID is done with msg. Releasing a message the
// agent no longer holds (for example after redistribution) is a no-op.
func (r *Registry) Release(agentID string, msg core.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	if _, held := e.inflight[msg.ID]; !held {
		return
	}
	delete(e.inflight, msg.ID)
	e.reg.CurrentLoad--
	if e.reg.Status.Selectable() {
		e.reg.Status = loadStatus(e.reg.CurrentLoad)
	}
}

// MarkFailed takes an agent out of selection and redistributes its held documents.
func (r *Registry) MarkFailed(agentID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrUnknownAgent, agentID)
	}
	e.reg.Status = core.AgentFailed
	held := drainHeld(e)
	hook := r.onLost
	r.mu.Unlock()

	r.logger.Warn("agent marked failed", "agent", agentID, "held", len(held))
	notifyLost(hook, e.reg, held)
	return nil
}

// Get returns a copy of one agent's registration.
func (r *Registry) Get(agentID string) (core.AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return core.AgentRegistration{}, false
	}
	return copyReg(e.reg), true
}

// Snapshot returns copies of every registration, ordered by agent ID.
func (r *Registry) Snapshot() []core.AgentRegistration {
	return r.filter(func(core.AgentRegistration) bool { return true })
}

// Agents returns copies of every registration with the given role, ordered by agent ID.
func (r *Registry) Agents(role core.Role) []core.AgentRegistration {
	return r.filter(func(reg core.AgentRegistration) bool { return reg.Role == role })
}

func (r *Registry) filter(keep func(core.AgentRegistration) bool) []core.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.AgentRegistration, 0, len(r.agents))
	for _, e := range r.agents {
		if keep(e.reg) {
			out = append(out, copyReg(e.reg))
		}
	}
	slices.SortFunc(out, func(a, b core.AgentRegistration) int {
		return strings.Compare(a.AgentID, b.AgentID)
	})
	return out
}

type loss struct {
	reg  core.AgentRegistration
	held []core.Message
}

// Sweep applies the liveness rules as of now. Agents silent past
// LivenessTimeout become unavailable; past EvictAfter they are removed.
func (r *Registry) Sweep(now time.Time) {
	var losses []loss

	r.mu.Lock()
	for id, e := range r.agents {
		silent := now.Sub(e.reg.LastHeartbeat)
		switch {
		case silent >= r.config.EvictAfter:
			delete(r.agents, id)
			losses = append(losses, loss{reg: e.reg, held: drainHeld(e)})
			r.logger.Warn("agent evicted", "agent", id, "silent", silent)
		case silent >= r.config.LivenessTimeout && e.reg.Status.Selectable():
			e.reg.Status = core.AgentUnavailable
			losses = append(losses, loss{reg: e.reg, held: drainHeld(e)})
			r.logger.Warn("agent unavailable", "agent", id, "silent", silent)
		}
	}
	hook := r.onLost
	r.mu.Unlock()

	// Deterministic hand-off order
	slices.SortFunc(losses, func(a, b loss) int {
		return strings.Compare(a.reg.AgentID, b.reg.AgentID)
	})
	for _, l := range losses {
		notifyLost(hook, l.reg, l.held)
	}
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// drainHeld clears every in-flight message and returns the document
// delegations among them, oldest first. Callers hold r.mu.
func drainHeld(e *entry) []core.Message {
	var held []core.Message
	for _, msg := range e.inflight {
		if _, ok := msg.Payload.(core.DocumentTask); ok && msg.Kind == core.KindTaskDelegation {
			held = append(held, msg)
		}
	}
	clear(e.inflight)
	e.reg.CurrentLoad = 0
	slices.SortFunc(held, func(a, b core.Message) int {
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	return held
}

func notifyLost(hook LossFunc, reg core.AgentRegistration, held []core.Message) {
	if hook == nil || len(held) == 0 {
		return
	}
	hook(reg.AgentID, reg.Role, held)
}

func loadStatus(load int) core.AgentStatus {
	if load > 0 {
		return core.AgentBusy
	}
	return core.AgentIdle
}

func copyReg(reg core.AgentRegistration) core.AgentRegistration {
	reg.Capabilities = slices.Clone(reg.Capabilities)
	return reg
}
