package agent

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/core"
)

// NodeKind distinguishes knowledge graph nodes.
type NodeKind string

const (
	NodeDocument       NodeKind = "document"
	NodeTag            NodeKind = "tag"
	NodeClassification NodeKind = "classification"
)

// Relations between nodes.
const (
	RelationTagged       = "tagged"
	RelationClassifiedAs = "classified_as"
)

// Node is a vertex of the knowledge graph. IDs are "<kind>:<key>".
type Node struct {
	ID    string   `json:"id"`
	Kind  NodeKind `json:"kind"`
	Label string   `json:"label"`
}

// Edge links a document node to a tag or classification node.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// NodeID returns the node ID for a kind and key.
func NodeID(kind NodeKind, key string) string {
	return string(kind) + ":" + key
}

// KnowledgeGraph links documents to their tags and classifications. Relinking
// a document replaces its edges; tag and classification nodes without edges
// are dropped.
type KnowledgeGraph struct {
	id     string
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string][]Edge // document node ID -> outgoing edges
	in    map[string]int    // node ID -> incoming edge count
}

// NewKnowledgeGraph creates a knowledge graph agent.
func NewKnowledgeGraph(id string, logger *slog.Logger) *KnowledgeGraph {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeGraph{
		id:     id,
		logger: logger.With("agent", id),
		nodes:  make(map[string]Node),
		edges:  make(map[string][]Edge),
		in:     make(map[string]int),
	}
}

func (g *KnowledgeGraph) ID() string      { return g.id }
func (g *KnowledgeGraph) Role() core.Role { return core.RoleKnowledgeGraph }

func (g *KnowledgeGraph) Handlers() map[core.Kind]bus.Handler {
	return map[core.Kind]bus.Handler{core.KindTaskDelegation: g.HandleTask}
}

// HandleTask links one document.
func (g *KnowledgeGraph) HandleTask(_ context.Context, d *bus.Delivery) error {
	task, ok := d.Message.Payload.(core.GraphTask)
	if !ok {
		return fmt.Errorf("%w: %s cannot handle %T", core.ErrInvalidMessage, g.id, d.Message.Payload)
	}
	g.Link(task)
	return nil
}

// Link adds or replaces the document's node and edges.
func (g *KnowledgeGraph) Link(task core.GraphTask) {
	g.mu.Lock()
	defer g.mu.Unlock()

	docID := NodeID(NodeDocument, task.DocumentID.String())
	g.unlink(docID)

	label := task.Title
	if label == "" {
		label = task.DocumentID.String()
	}
	g.nodes[docID] = Node{ID: docID, Kind: NodeDocument, Label: label}

	var edges []Edge
	connect := func(kind NodeKind, key, relation string) {
		id := NodeID(kind, key)
		if _, ok := g.nodes[id]; !ok {
			g.nodes[id] = Node{ID: id, Kind: kind, Label: key}
		}
		g.in[id]++
		edges = append(edges, Edge{From: docID, To: id, Relation: relation})
	}
	for _, tag := range slices.Compact(slices.Sorted(slices.Values(task.Tags))) {
		connect(NodeTag, tag, RelationTagged)
	}
	if task.Classification != "" {
		connect(NodeClassification, task.Classification, RelationClassifiedAs)
	}
	g.edges[docID] = edges
	g.logger.Debug("linked document", "document", task.DocumentID, "edges", len(edges))
}

func (g *KnowledgeGraph) unlink(docID string) {
	for _, e := range g.edges[docID] {
		g.in[e.To]--
		if g.in[e.To] <= 0 {
			delete(g.in, e.To)
			delete(g.nodes, e.To)
		}
	}
	delete(g.edges, docID)
}

// Node returns the node with the given ID.
func (g *KnowledgeGraph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Neighbors returns the nodes adjacent to id in either direction, sorted by ID.
func (g *KnowledgeGraph) Neighbors(id string) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Node
	for _, e := range g.edges[id] {
		out = append(out, g.nodes[e.To])
	}
	if g.in[id] > 0 {
		for from, edges := range g.edges {
			for _, e := range edges {
				if e.To == id {
					out = append(out, g.nodes[from])
				}
			}
		}
	}
	slices.SortFunc(out, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Stats returns the number of nodes and edges.
func (g *KnowledgeGraph) Stats() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.edges {
		edges += len(e)
	}
	return len(g.nodes), edges
}

var _ TaskAgent = (*KnowledgeGraph)(nil)
