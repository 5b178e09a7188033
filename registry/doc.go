// Package registry keeps the book of which agents exist, what message kinds
// they accept, how loaded they are and whether they are still alive.
//
// The bus consults the registry to resolve role-addressed messages and keeps
// load counts current through Acquire and Release. Agents that stop
// heartbeating are marked unavailable by Sweep, and the document delegations
// they were holding are handed to the hook installed with OnAgentLost so the
// bus can redelegate them.
package registry
