// ABOUTME: AST types for the DOT digraph model used by the workflow runner.
// ABOUTME: Defines Graph, Node, Edge, and Subgraph types with helper methods for traversal and lookup.
package workflow

import "strings"

// Graph represents a parsed DOT digraph with its nodes, edges, attributes, and subgraphs.
type Graph struct {
	Name         string
	Nodes        map[string]*Node
	Edges        []*Edge
	Attrs        map[string]string // graph-level attributes
	NodeDefaults map[string]string // node [...] defaults
	EdgeDefaults map[string]string // edge [...] defaults
	Subgraphs    []*Subgraph

	// NodeOrder records node IDs in insertion order of first definition.
	// The parser appends to this exactly once per node, on first occurrence.
	// Lint reachability, the canonical serializer, and completedNodes ordering
	// all key off this rather than map iteration or lexical sort.
	NodeOrder []string
}

// Node represents a node in the graph with an ID and key-value attributes.
type Node struct {
	ID    string
	Attrs map[string]string
}

// Edge represents a directed edge from one node to another with optional attributes.
type Edge struct {
	From  string
	To    string
	Attrs map[string]string
}

// Subgraph represents a subgraph scope containing nodes and scoped defaults.
type Subgraph struct {
	Name         string
	Nodes        []string          // node IDs in this subgraph
	NodeDefaults map[string]string // scoped node defaults
	Attrs        map[string]string // subgraph attributes
}

// FindNode returns the node with the given ID, or nil if not found.
func (g *Graph) FindNode(id string) *Node {
	if g.Nodes == nil {
		return nil
	}
	return g.Nodes[id]
}

// OutgoingEdges returns all edges originating from the given node ID.
func (g *Graph) OutgoingEdges(nodeID string) []*Edge {
	var result []*Edge
	for _, e := range g.Edges {
		if e.From == nodeID {
			result = append(result, e)
		}
	}
	return result
}

// IncomingEdges returns all edges terminating at the given node ID.
func (g *Graph) IncomingEdges(nodeID string) []*Edge {
	var result []*Edge
	for _, e := range g.Edges {
		if e.To == nodeID {
			result = append(result, e)
		}
	}
	return result
}

// FindStartNode returns the start node: an explicit type=start node takes
// precedence, falling back to shape=Mdiamond, in NodeOrder so the result is
// deterministic when more than one node could match.
func (g *Graph) FindStartNode() *Node {
	for _, id := range g.NodeIDs() {
		node := g.Nodes[id]
		if node.Attrs["type"] == "start" || node.Attrs["node_type"] == "start" {
			return node
		}
	}
	for _, id := range g.NodeIDs() {
		node := g.Nodes[id]
		if node.Attrs["shape"] == "Mdiamond" {
			return node
		}
	}
	for _, id := range g.NodeIDs() {
		if strings.ToLower(id) == "start" {
			return g.Nodes[id]
		}
	}
	return nil
}

// FindExitNode returns the first exit node (type=exit or shape=Msquare) in NodeOrder.
func (g *Graph) FindExitNode() *Node {
	for _, id := range g.NodeIDs() {
		node := g.Nodes[id]
		if isTerminal(node) {
			return node
		}
	}
	return nil
}

// NodeIDs returns all node IDs in insertion order (order of first definition).
// Falls back to map iteration only for graphs constructed without NodeOrder
// populated (e.g. hand-built in tests).
func (g *Graph) NodeIDs() []string {
	if len(g.NodeOrder) == len(g.Nodes) {
		return g.NodeOrder
	}
	ids := make([]string, 0, len(g.Nodes))
	seen := make(map[string]bool, len(g.Nodes))
	for _, id := range g.NodeOrder {
		if _, ok := g.Nodes[id]; ok && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	for id := range g.Nodes {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}
