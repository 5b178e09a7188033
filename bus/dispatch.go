package bus

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/poiesic/alexandria/core"
)

// dispatch is one in-flight handler invocation.
type dispatch struct {
	env       *envelope
	agentID   string
	handler   Handler
	ctx       context.Context
	cancel    context.CancelFunc
	abandoned bool
	pooled    bool
	started   time.Time
}

// needsSlot reports whether msg is dispatched on the worker pool.
func needsSlot(msg core.Message) bool {
	return msg.Kind != core.KindControl
}

// schedule is the single scheduler loop. It promotes delayed messages,
// fills free worker slots in priority order, and sleeps until something
// changes.
func (b *Bus) schedule() {
	defer close(b.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		launch, reports := b.fill(time.Now())
		wait := time.Hour
		if next := b.delayed.peek(); next != nil {
			wait = max(time.Until(next.readyAt), 0)
		}
		b.mu.Unlock()

		for _, report := range reports {
			b.sendReport(report)
		}
		for _, d := range launch {
			b.submit(d)
		}

		timer.Reset(wait)
		select {
		case <-b.baseCtx.Done():
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
			return
		case <-b.wake:
		case <-timer.C:
		}
	}
}

// fill pops ready messages while worker slots are free. It returns the
// dispatches to launch and the error reports of messages dead-lettered for
// lack of capacity; both are acted on after b.mu is released. Callers hold
// b.mu.
func (b *Bus) fill(now time.Time) ([]*dispatch, []core.Message) {
	b.promote(now)

	var launch []*dispatch
	var reports []core.Message
	for len(b.ready) > 0 {
		if b.pooled >= b.config.MaxConcurrency && needsSlot(b.ready[0].msg) {
			break
		}
		env := heap.Pop(&b.ready).(*envelope)
		msg := env.msg

		if corr := msg.CorrelationID; corr != "" {
			if _, locked := b.locks[corr]; locked {
				b.parked[corr] = append(b.parked[corr], env)
				continue
			}
		}

		agentID, handler, err := b.resolve(msg)
		if err == nil {
			err = b.registry.Acquire(agentID, msg)
		}
		if err != nil {
			if report := b.capacityMiss(env, err, now); report != nil {
				reports = append(reports, *report)
			}
			continue
		}

		ctx, cancel := context.WithCancel(b.baseCtx)
		d := &dispatch{
			env:     env,
			agentID: agentID,
			handler: handler,
			ctx:     ctx,
			cancel:  cancel,
			pooled:  needsSlot(msg),
			started: now,
		}
		if d.pooled {
			b.pooled++
		}
		if msg.CorrelationID != "" {
			b.locks[msg.CorrelationID] = msg.ID
		}
		b.inflight[msg.ID] = d
		b.record(EventDispatched, env, agentID, nil)
		launch = append(launch, d)
	}
	return launch, reports
}

// promote moves every delayed envelope ready at now onto the ready queue.
// Registry heartbeats are delivered on the spot. Callers hold b.mu.
func (b *Bus) promote(now time.Time) {
	for {
		next := b.delayed.peek()
		if next == nil || next.readyAt.After(now) {
			return
		}
		heap.Pop(&b.delayed)
		if b.isRegistryHeartbeat(next.msg) {
			b.deliverHeartbeat(next)
			continue
		}
		heap.Push(&b.ready, next)
	}
}

// resolve finds the agent and handler for msg. Callers hold b.mu.
func (b *Bus) resolve(msg core.Message) (string, Handler, error) {
	agentID := msg.Recipient.AgentID
	if msg.Recipient.IsWildcard() {
		selected, err := b.registry.SelectRecipient(msg.Recipient.Role, msg.Kind)
		if err != nil {
			return "", nil, err
		}
		agentID = selected
	}
	handler, ok := b.subs[agentID][msg.Kind]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s has no %s handler", core.ErrNoAvailableAgent, agentID, msg.Kind)
	}
	return agentID, handler, nil
}

func (b *Bus) isRegistryHeartbeat(msg core.Message) bool {
	return msg.Kind == core.KindHeartbeat && msg.Recipient.AgentID == core.RegistryAgentID
}

// deliverHeartbeat hands a heartbeat straight to the registry. Heartbeats
// never take a worker slot, so a saturated pool cannot starve liveness.
// Callers hold b.mu.
func (b *Bus) deliverHeartbeat(env *envelope) {
	hb := env.msg.Payload.(core.Heartbeat)
	if err := b.registry.Heartbeat(hb.AgentID); err != nil {
		b.failed++
		b.record(EventFailed, env, core.RegistryAgentID, err)
		return
	}
	b.delivered++
	b.record(EventAcknowledged, env, core.RegistryAgentID, nil)
}

// capacityMiss requeues a message that found no agent, or dead-letters it
// once the capacity deadline has passed and returns the terminal error
// report to send. Callers hold b.mu.
func (b *Bus) capacityMiss(env *envelope, err error, now time.Time) *core.Message {
	if env.firstMiss.IsZero() {
		env.firstMiss = now
	}
	env.capacityMisses++
	env.lastErr = err
	if now.Sub(env.firstMiss) >= b.config.CapacityDeadline {
		return b.deadLetter(env, err)
	}
	env.readyAt = now.Add(b.config.Backoff.Delay(env.capacityMisses))
	heap.Push(&b.delayed, env)
	b.record(EventRequeued, env, "", err)
	return nil
}

// submit hands a dispatch to the worker pool, or to its own goroutine when
// it does not take a slot.
func (b *Bus) submit(d *dispatch) {
	if !d.pooled {
		go b.run(d)
		return
	}
	if err := b.pool.Submit(func() { b.run(d) }); err != nil {
		b.complete(d, fmt.Errorf("submitting to worker pool: %w", err))
	}
}

// run invokes the handler under the ack timeout and reports the result.
func (b *Bus) run(d *dispatch) {
	ctx, cancel := context.WithTimeout(d.ctx, b.config.AckTimeout)
	defer cancel()

	delivery := &Delivery{
		Message:     d.env.msg,
		Attempt:     d.env.failures + 1,
		AgentID:     d.agentID,
		DeliveredAt: time.Now(),
	}

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		result <- d.handler(ctx, delivery)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ErrAckTimeout
		if d.ctx.Err() != nil {
			err = d.ctx.Err()
		}
	}
	b.complete(d, err)
}

// complete settles a finished dispatch.
func (b *Bus) complete(d *dispatch, err error) {
	env := d.env
	msg := env.msg

	b.mu.Lock()
	delete(b.inflight, msg.ID)
	if d.pooled {
		b.pooled--
	}
	d.cancel()
	if !d.abandoned {
		b.unlock(msg)
	}

	var report *core.Message
	switch {
	case d.abandoned:
		b.record(EventAbandoned, env, d.agentID, err)
	case err == nil:
		b.delivered++
		b.record(EventAcknowledged, env, d.agentID, nil)
	default:
		report = b.fail(env, d.agentID, err)
	}
	if b.closed {
		select {
		case b.drained <- struct{}{}:
		default:
		}
	}
	b.notify()
	b.mu.Unlock()

	if !d.abandoned {
		b.registry.Release(d.agentID, msg)
	}
	if report != nil {
		b.sendReport(*report)
	}
}

// fail applies the retry policy to a failed delivery and returns the error
// report to send, if any. Callers hold b.mu.
func (b *Bus) fail(env *envelope, agentID string, err error) *core.Message {
	b.failed++
	env.failures++
	env.lastErr = err
	b.record(EventFailed, env, agentID, err)

	class := core.Classify(err)
	switch {
	case class == core.ClassCancelled:
		// Cancelled work is finished work
		return nil
	case class == core.ClassValidation || class == core.ClassRegistration:
		return b.deadLetter(env, err)
	case env.failures > b.config.MaxRetries:
		return b.deadLetter(env, err)
	}

	env.readyAt = time.Now().Add(b.config.Backoff.Delay(env.failures))
	heap.Push(&b.delayed, env)
	b.record(EventRequeued, env, agentID, err)
	return b.errorReport(env.msg, err, false)
}

// deadLetter sets env aside and returns the terminal error report to send,
// if any. Callers hold b.mu.
func (b *Bus) deadLetter(env *envelope, err error) *core.Message {
	class := core.Classify(err)
	b.dead = append(b.dead, DeadLetter{
		Message:   env.msg,
		Attempts:  env.failures,
		LastError: err.Error(),
		Class:     class,
		At:        time.Now(),
	})
	b.record(EventDeadLettered, env, "", err)
	b.logger.Warn("message dead-lettered",
		"id", env.msg.ID,
		"kind", env.msg.Kind,
		"correlation", env.msg.CorrelationID,
		"attempts", env.failures,
		"class", class,
		"error", err)
	return b.errorReport(env.msg, err, true)
}

// errorReport builds an error message for the failed message's reply
// address. Error reports are never generated for error messages, and only
// agents that subscribe to errors receive them. Callers hold b.mu.
func (b *Bus) errorReport(failed core.Message, err error, terminal bool) *core.Message {
	if failed.Kind == core.KindError {
		return nil
	}
	replyTo := failed.ReplyAddress()
	if replyTo == "" {
		return nil
	}
	if _, ok := b.subs[replyTo][core.KindError]; !ok {
		return nil
	}

	batchID, docID := documentRef(failed)
	report, buildErr := core.NewMessage(core.KindError,
		core.ErrorReport{
			BatchID:    batchID,
			DocumentID: docID,
			Class:      core.Classify(err),
			Message:    err.Error(),
			Terminal:   terminal,
			MessageID:  failed.ID,
		},
		core.From(AgentID),
		core.To(core.ToAgent(replyTo)),
		core.WithPriority(core.PriorityHigh))
	if buildErr != nil {
		b.logger.Error("building error report", "error", buildErr)
		return nil
	}
	return &report
}

func (b *Bus) sendReport(report core.Message) {
	if err := b.Publish(report); err != nil && !errors.Is(err, ErrBusClosed) {
		b.logger.Error("publishing error report", "error", err)
	}
}

// unlock releases msg's correlation lock, if it holds it, and returns every
// parked message of that correlation to the ready queue. Callers hold b.mu.
func (b *Bus) unlock(msg core.Message) {
	corr := msg.CorrelationID
	if corr == "" || b.locks[corr] != msg.ID {
		return
	}
	delete(b.locks, corr)
	for _, env := range b.parked[corr] {
		heap.Push(&b.ready, env)
	}
	delete(b.parked, corr)
}

// documentRef extracts the batch and document a message is about.
func documentRef(msg core.Message) (string, core.ID) {
	switch p := msg.Payload.(type) {
	case core.DocumentTask:
		return p.State.BatchID, p.State.DocumentID
	case core.TaxonomyTask:
		return p.BatchID, p.DocumentID
	case core.GraphTask:
		return p.BatchID, p.DocumentID
	case core.Progress:
		return p.BatchID, p.DocumentID
	case core.Completion:
		return p.BatchID, p.DocumentID
	case core.Control:
		return p.BatchID, p.DocumentID
	}
	return "", 0
}
