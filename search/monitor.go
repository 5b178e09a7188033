package search

import "github.com/poiesic/alexandria/core"

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
type SearchMonitor interface {
	Start(query string)
	AfterSemanticSearch(matches []core.Match)
	SemanticAndTaggedHit(result Result)
	SemanticHit(result Result)
	TaggedHit(result Result)
	Finish(results []Result)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                     {}
func (n *noopMonitor) AfterSemanticSearch(_ []core.Match) {}
func (n *noopMonitor) SemanticAndTaggedHit(_ Result)      {}
func (n *noopMonitor) SemanticHit(_ Result)               {}
func (n *noopMonitor) TaggedHit(_ Result)                 {}
func (n *noopMonitor) Finish(_ []Result)                  {}
