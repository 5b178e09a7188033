// Package bus is the in-process message bus that coordinates alexandria's agents.
//
// Messages are dispatched strictly by priority, oldest first within a
// priority, by a single scheduler goroutine that hands each delivery to a
// bounded ants worker pool. When every worker is busy, new messages wait in
// the queue.
//
// # Delivery
//
// Delivery is at least once. A handler acknowledges by returning nil. An
// error, a panic, or exceeding the ack timeout counts as a failure and the
// message is redelivered after an exponential backoff, up to MaxRetries
// times, before it is moved to the dead-letter list. Failures are reported
// to the message's reply address as error messages when that agent
// subscribes to them.
//
// # Correlation
//
// At most one message per correlation ID is in dispatch at any moment.
// Messages published while the correlation is busy are parked and return to
// the queue when the running delivery settles.
//
// # Recovery
//
// The bus installs itself as the registry's agent-loss hook. When an agent
// stops heartbeating, its in-flight deliveries are abandoned and the
// document delegations it held are republished to its role.
//
// # Usage
//
//	reg, _ := registry.New()
//	b, _ := bus.New(reg)
//	b.Subscribe("dp-1", handler, core.KindTaskDelegation)
//	b.Start(ctx)
//	defer b.Stop(shutdownCtx)
//	b.Publish(msg)
package bus
