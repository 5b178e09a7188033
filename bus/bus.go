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


package bus

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/registry"
	"github.com/poiesic/alexandria/retry"
)

// AgentID is the sender recorded on messages the bus itself originates.
const AgentID = "bus"

// Handler processes one delivery. Returning nil acknowledges the message;
// returning an error, panicking, or not returning within the ack timeout
// leads to redelivery.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery is one attempt at handing a message to an agent.
type Delivery struct {
	Message     core.Message
	Attempt     int // 1 on first delivery
	AgentID     string
	DeliveredAt time.Time
}

// Config holds dispatch settings.
type Config struct {
	// MaxConcurrency bounds how many handlers run at once. Control messages
	// are not counted.
	MaxConcurrency int `yaml:"max_concurrency"`
	// MaxRetries is how many redeliveries follow a failed first delivery
	// before the message is dead-lettered.
	MaxRetries int `yaml:"max_retries"`
	// AckTimeout bounds a single handler invocation.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// Backoff spaces out redeliveries and capacity requeues.
	Backoff retry.Policy `yaml:"backoff"`
	// CapacityDeadline is how long a message may wait for an agent before it
	// is dead-lettered as undeliverable.
	CapacityDeadline time.Duration `yaml:"capacity_deadline"`
	// HistorySize is the number of audit events retained.
	HistorySize int `yaml:"history_size"`
}

// DefaultConfig returns the default dispatch settings.
func DefaultConfig() Config {
	concurrency := runtime.NumCPU()
	if concurrency < 2 {
		concurrency = 2
	}
	return Config{
		MaxConcurrency:   concurrency,
		MaxRetries:       3,
		AckTimeout:       2 * time.Minute,
		Backoff:          retry.DefaultPolicy(),
		CapacityDeadline: time.Minute,
		HistorySize:      1000,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return fmt.Errorf("%w: max concurrency must be at least 1", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	case c.AckTimeout <= 0:
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalidConfig)
	case c.Backoff.Base <= 0:
		return fmt.Errorf("%w: backoff base must be positive", ErrInvalidConfig)
	case c.CapacityDeadline < 0:
		return fmt.Errorf("%w: capacity deadline cannot be negative", ErrInvalidConfig)
	case c.HistorySize < 0:
		return fmt.Errorf("%w: history size cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	Message   core.Message
	Attempts  int
	LastError string
	Class     core.ErrorClass
	At        time.Time
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Queued       int
	Delayed      int
	Parked       int
	InFlight     int
	Delivered    uint64
	Failed       uint64
	DeadLettered uint64
}

// Bus routes messages between agents. Publishers may call it from any
// goroutine; a single scheduler goroutine decides what runs next and hands
// each dispatch to a bounded worker pool. Control messages and registry
// heartbeats do not take a worker slot, so they reach busy agents.
type Bus struct {
	mu       sync.Mutex
	ready    readyQueue
	delayed  delayedQueue
	parked   map[string][]*envelope
	locks    map[string]uint64
	inflight map[uint64]*dispatch
	pooled   int // Dispatches holding a worker slot
	subs     map[string]map[core.Kind]Handler
	dead     []DeadLetter

	delivered uint64
	failed    uint64

	running bool
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	drained chan struct{}
	done    chan struct{}

	registry *registry.Registry
	pool     *ants.Pool
	history  *history
	config   Config
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus) error

// WithConfig sets dispatch settings.
// Default is DefaultConfig().
func WithConfig(config Config) Option {
	return func(b *Bus) error {
		if err := config.Validate(); err != nil {
			return err
		}
		b.config = config
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) error {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
		return nil
	}
}

// New creates a bus that resolves recipients through reg. The bus installs
// itself as reg's agent-loss hook.
func New(reg *registry.Registry, opts ...Option) (*Bus, error) {
	if reg == nil {
		return nil, ErrRegistryRequired
	}
	b := &Bus{
		parked:   make(map[string][]*envelope),
		locks:    make(map[string]uint64),
		inflight: make(map[uint64]*dispatch),
		subs:     make(map[string]map[core.Kind]Handler),
		wake:     make(chan struct{}, 1),
		drained:  make(chan struct{}, 1),
		registry: reg,
		config:   DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	pool, err := ants.NewPool(b.config.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	b.pool = pool
	b.history = newHistory(b.config.HistorySize)
	b.logger = b.logger.With("component", "bus")
	reg.OnAgentLost(b.Redistribute)
	return b, nil
}

// Config returns the active dispatch settings.
func (b *Bus) Config() Config {
	return b.config
}

// Subscribe registers handler for messages of the given kinds addressed to
// agentID. A later subscription for the same agent and kind replaces the
// earlier one.
func (b *Bus) Subscribe(agentID string, handler Handler, kinds ...core.Kind) error {
	if handler == nil {
		return ErrNilHandler
	}
	if agentID == "" {
		return fmt.Errorf("%w: agent id cannot be empty", core.ErrInvalidAgent)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	table, ok := b.subs[agentID]
	if !ok {
		table = make(map[core.Kind]Handler)
		b.subs[agentID] = table
	}
	for _, k := range kinds {
		table[k] = handler
	}
	b.notify()
	return nil
}

// Unsubscribe removes every handler registered for agentID.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, agentID)
}

// Publish enqueues msg for dispatch and returns immediately.
func (b *Bus) Publish(msg core.Message) error {
	return b.PublishAfter(msg, 0)
}

// PublishAfter enqueues msg to become dispatchable after delay.
func (b *Bus) PublishAfter(msg core.Message, delay time.Duration) error {
	if msg.ID == 0 {
		return fmt.Errorf("%w: message was not built with core.NewMessage", core.ErrInvalidMessage)
	}
	if err := core.ValidateMessage(msg); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	env := &envelope{msg: msg}
	if delay <= 0 && b.isRegistryHeartbeat(msg) {
		b.record(EventPublished, env, "", nil)
		b.deliverHeartbeat(env)
		return nil
	}
	if delay > 0 {
		env.readyAt = time.Now().Add(delay)
		heap.Push(&b.delayed, env)
	} else {
		heap.Push(&b.ready, env)
	}
	b.record(EventPublished, env, "", nil)
	b.notify()
	return nil
}

// Start launches the scheduler. Handlers receive contexts derived from ctx.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.running {
		return ErrBusRunning
	}
	b.running = true
	b.baseCtx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.schedule()
	b.logger.Info("bus started", "maxConcurrency", b.config.MaxConcurrency, "maxRetries", b.config.MaxRetries)
	return nil
}

// Stop rejects further publishes, stops dispatching, and waits for in-flight
// handlers until ctx is done. Handlers still running at that point have
// their contexts cancelled and their results discarded.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	wasRunning := b.running
	b.notify()
	b.mu.Unlock()

	if wasRunning {
		<-b.done
	}

	var err error
	for {
		b.mu.Lock()
		n := len(b.inflight)
		b.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-b.drained:
			continue
		case <-ctx.Done():
			err = ctx.Err()
			b.logger.Warn("stop deadline reached with handlers in flight", "inFlight", n)
		}
		break
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.pool.Release()
	b.logger.Info("bus stopped")
	return err
}

// Stats returns queue depths and delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	parked := 0
	for _, envs := range b.parked {
		parked += len(envs)
	}
	return Stats{
		Queued:       len(b.ready),
		Delayed:      len(b.delayed),
		Parked:       parked,
		InFlight:     len(b.inflight),
		Delivered:    b.delivered,
		Failed:       b.failed,
		DeadLettered: uint64(len(b.dead)),
	}
}

// History returns recorded events matching f, oldest first.
func (b *Bus) History(f Filter) []Event {
	return b.history.query(f)
}

// DeadLetters returns a copy of the dead-letter list, oldest first.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.dead)
}

// notify wakes the scheduler. Callers hold b.mu.
func (b *Bus) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// record appends to the audit history and logs at debug level.
func (b *Bus) record(t EventType, env *envelope, agentID string, err error) {
	e := Event{
		Type:          t,
		MessageID:     env.msg.ID,
		Kind:          env.msg.Kind,
		Priority:      env.msg.Priority,
		Sender:        env.msg.Sender,
		AgentID:       agentID,
		CorrelationID: env.msg.CorrelationID,
		Attempt:       env.failures + 1,
		At:            time.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	b.history.record(e)
	b.logger.Debug("message "+t.String(),
		"id", e.MessageID,
		"kind", e.Kind,
		"priority", e.Priority,
		"agent", agentID,
		"correlation", e.CorrelationID,
		"attempt", e.Attempt,
		"error", e.Error)
}
