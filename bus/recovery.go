package bus

import (
	"container/heap"
	"slices"

	"github.com/poiesic/alexandria/core"
)

// Redistribute recovers the work of a lost agent. Each held delegation is
// republished as a fresh message addressed to any agent of role, keeping its
// correlation ID and reply address. The in-flight dispatch of a republished
// delegation is abandoned: its context is cancelled, its correlation lock
// released and its eventual result ignored. Other messages in dispatch to
// agentID are left to settle through the usual ack, retry and dead-letter
// path.
//
// Redistribute has the registry.LossFunc signature and is installed as the
// registry's loss hook by New.
func (b *Bus) Redistribute(agentID string, role core.Role, held []core.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, old := range held {
		d, ok := b.inflight[old.ID]
		if !ok || d.agentID != agentID || d.abandoned {
			continue
		}
		d.abandoned = true
		d.cancel()
		b.unlock(d.env.msg)
	}

	if b.closed {
		return
	}
	for _, old := range held {
		fresh, err := core.NewMessage(old.Kind, old.Payload,
			core.From(old.Sender),
			core.To(core.ToRole(role)),
			core.WithPriority(old.Priority),
			core.WithCorrelation(old.CorrelationID),
			core.WithReplyTo(old.ReplyAddress()))
		if err != nil {
			b.logger.Error("rebuilding held delegation", "id", old.ID, "error", err)
			continue
		}
		env := &envelope{msg: fresh}
		heap.Push(&b.ready, env)
		b.record(EventRedistributed, env, agentID, nil)
		b.logger.Info("redistributed delegation",
			"from", agentID,
			"role", role,
			"previous", old.ID,
			"id", fresh.ID,
			"correlation", fresh.CorrelationID)
	}
	b.notify()
}

// Withdraw removes every queued, delayed, or parked message matching pred
// and returns them in dispatch order. Messages already in dispatch are not
// affected.
func (b *Bus) Withdraw(pred func(core.Message) bool) []core.Message {
	match := func(e *envelope) bool { return pred(e.msg) }

	b.mu.Lock()
	defer b.mu.Unlock()

	kept, fromReady := split(b.ready, match)
	b.ready = kept
	heap.Init(&b.ready)

	kept, fromDelayed := split(b.delayed, match)
	b.delayed = kept
	heap.Init(&b.delayed)

	removed := append(fromReady, fromDelayed...)
	for corr, envs := range b.parked {
		keptParked, fromParked := split(envs, match)
		removed = append(removed, fromParked...)
		if len(keptParked) == 0 {
			delete(b.parked, corr)
		} else {
			b.parked[corr] = keptParked
		}
	}

	msgs := make([]core.Message, 0, len(removed))
	for _, env := range removed {
		b.record(EventWithdrawn, env, "", nil)
		msgs = append(msgs, env.msg)
	}
	slices.SortFunc(msgs, func(x, y core.Message) int {
		if x.Before(y) {
			return -1
		}
		if y.Before(x) {
			return 1
		}
		return 0
	})
	return msgs
}
