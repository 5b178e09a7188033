package bus

import (
	"time"

	"github.com/poiesic/alexandria/core"
)

// envelope carries a message through the bus together with its delivery
// bookkeeping. The message itself is never modified.
type envelope struct {
	msg core.Message

	// failures counts handler failures (error, panic, ack timeout).
	failures int
	// capacityMisses counts dispatch attempts that found no agent.
	capacityMisses int
	// firstMiss is when the first capacity miss happened.
	firstMiss time.Time
	// readyAt is when a delayed envelope becomes dispatchable.
	readyAt time.Time
	lastErr error

	index int
}

// readyQueue orders envelopes by core.Message.Before.
type readyQueue []*envelope

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i].msg.Before(q[j].msg) }
func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	e := x.(*envelope)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// delayedQueue orders envelopes by readyAt, then by dispatch order.
type delayedQueue []*envelope

func (q delayedQueue) Len() int { return len(q) }
func (q delayedQueue) Less(i, j int) bool {
	if !q[i].readyAt.Equal(q[j].readyAt) {
		return q[i].readyAt.Before(q[j].readyAt)
	}
	return q[i].msg.Before(q[j].msg)
}
func (q delayedQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayedQueue) Push(x any) {
	e := x.(*envelope)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *delayedQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// peek returns the envelope that becomes ready first, or nil.
func (q delayedQueue) peek() *envelope {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// split partitions envelopes into those that do not match and those that do.
// Indices of the kept envelopes are renumbered; callers re-heapify.
func split(q []*envelope, match func(*envelope) bool) (kept, removed []*envelope) {
	kept = make([]*envelope, 0, len(q))
	for _, e := range q {
		if match(e) {
			e.index = -1
			removed = append(removed, e)
			continue
		}
		e.index = len(kept)
		kept = append(kept, e)
	}
	return kept, removed
}
