package engine

import (
	"fmt"
	"strings"
)

// Graph is the resource graph for one run. It is built fresh for every run
// and is read-only once built.
type Graph struct {
	nodes    map[Identity]*Node
	declared []Identity
	order    []Identity
	edges    []Edge
	levels   [][]Identity
}

// Node returns the node for id, or nil.
func (g *Graph) Node(id Identity) *Node {
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.declared)
}

// Order returns node identities in convergence order.
func (g *Graph) Order() []Identity {
	return g.order
}

// Declared returns node identities in declaration order.
func (g *Graph) Declared() []Identity {
	return g.declared
}

// Edges returns all edges in declaration order of their source.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// Incoming returns the edges pointing at id.
func (g *Graph) Incoming(id Identity) []Edge {
	var in []Edge
	for _, e := range g.edges {
		if e.To == id {
			in = append(in, e)
		}
	}
	return in
}

// Levels returns nodes grouped by longest distance from a root.
func (g *Graph) Levels() [][]Identity {
	return g.levels
}

// GraphBuilder builds a resource graph from an ordered declaration list.
// It validates identities and references, derives edges, detects cycles and
// computes a stable topological order.
type GraphBuilder struct {
	// registry is consulted for resource types and actions; nil skips those checks
	registry *Registry

	nodes map[Identity]*Node

	// declared holds identities in source order
	declared []Identity

	// adjacencyList maps a node to the nodes that must come after it
	adjacencyList map[Identity][]Identity

	// reverseAdjacencyList maps a node to the nodes that must come before it
	reverseAdjacencyList map[Identity][]Identity

	// inDegree tracks the number of incoming edges for each node
	inDegree map[Identity]int

	edges []Edge
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder(registry *Registry) *GraphBuilder {
	return &GraphBuilder{registry: registry}
}

func (b *GraphBuilder) reset() {
	b.nodes = make(map[Identity]*Node)
	b.declared = nil
	b.adjacencyList = make(map[Identity][]Identity)
	b.reverseAdjacencyList = make(map[Identity][]Identity)
	b.inDegree = make(map[Identity]int)
	b.edges = nil
}

// Build constructs the graph. Errors are structural EngineErrors:
// duplicate identity, dangling reference, unknown resource type, invalid
// action or cycle.
func (b *GraphBuilder) Build(decls []Declaration) (*Graph, error) {
	b.reset()

	if err := b.initialize(decls); err != nil {
		return nil, err
	}
	if err := b.validateReferences(); err != nil {
		return nil, err
	}
	if err := b.validateProviders(); err != nil {
		return nil, err
	}

	b.deriveEdges()

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	order, err := b.stableOrder()
	if err != nil {
		return nil, err
	}

	for _, id := range b.declared {
		node := b.nodes[id]
		node.Dependencies = b.reverseAdjacencyList[id]
		node.Dependents = b.adjacencyList[id]
	}

	return &Graph{
		nodes:    b.nodes,
		declared: b.declared,
		order:    order,
		edges:    b.edges,
		levels:   b.computeLevels(order),
	}, nil
}

// initialize indexes declarations and rejects duplicate identities.
func (b *GraphBuilder) initialize(decls []Declaration) error {
	for i := range decls {
		decl := &decls[i]
		id := decl.Identity()
		if id.Type == "" || id.Name == "" {
			return NewStructuralError(fmt.Sprintf("declaration %d has an empty type or name", i), nil).
				WithCode(ErrCodeValidation).
				WithResource(id.String())
		}

		if existing, exists := b.nodes[id]; exists {
			return ErrDuplicateIdentity(id, existing.Index, i)
		}

		b.nodes[id] = &Node{Declaration: decl, Index: i}
		b.declared = append(b.declared, id)
		b.adjacencyList[id] = nil
		b.reverseAdjacencyList[id] = nil
		b.inDegree[id] = 0
	}
	return nil
}

func (b *GraphBuilder) validateReferences() error {
	for _, id := range b.declared {
		decl := b.nodes[id].Declaration
		for _, n := range append(append([]Notification{}, decl.Notifies...), decl.Subscribes...) {
			if _, exists := b.nodes[n.Target]; !exists {
				return ErrDanglingReference(id, n.Target)
			}
			if err := n.Timing.Validate(); err != nil {
				return NewStructuralError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(id.String())
			}
			if n.Action == "" {
				return NewStructuralError(fmt.Sprintf("notification to %s has no action", n.Target), nil).
					WithCode(ErrCodeValidation).
					WithResource(id.String())
			}
		}
		if decl.Guard != nil {
			for _, p := range append(append([]Predicate{}, decl.Guard.OnlyIf...), decl.Guard.NotIf...) {
				if err := p.Fact.Validate(); err != nil {
					return NewStructuralError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(id.String())
				}
			}
		}
	}
	return nil
}

// validateProviders checks that every type is registered and every action,
// declared or notified, is supported by the provider.
func (b *GraphBuilder) validateProviders() error {
	if b.registry == nil {
		return nil
	}

	for _, id := range b.declared {
		decl := b.nodes[id].Declaration
		p, err := b.registry.Lookup(id.Type)
		if err != nil {
			if ee, ok := err.(*EngineError); ok {
				ee.WithResource(id.String())
			}
			return err
		}
		meta := p.Metadata()
		action := resolveAction(decl, meta)
		if !meta.SupportsAction(action) {
			return ErrInvalidAction(id, action, meta.Actions)
		}
		if v, ok := p.(Validator); ok {
			req := &Request{Identity: id, Action: action, Attributes: decl.Attributes}
			if err := v.Validate(req); err != nil {
				return NewStructuralError("invalid attributes", err).
					WithCode(ErrCodeValidation).
					WithResource(id.String())
			}
		}
	}

	for _, e := range b.notifyEdges() {
		target, err := b.registry.Lookup(e.To.Type)
		if err != nil {
			return err
		}
		meta := target.Metadata()
		if !meta.SupportsAction(e.Action) {
			return ErrInvalidAction(e.To, e.Action, meta.Actions).WithDetail("notified_by", e.From.String())
		}
	}
	return nil
}

// notifyEdges returns explicit edges in declaration order. A subscribes entry
// on B for A yields the same edge as a notifies entry on A for B.
func (b *GraphBuilder) notifyEdges() []Edge {
	var edges []Edge
	for _, id := range b.declared {
		decl := b.nodes[id].Declaration
		for _, n := range decl.Notifies {
			edges = append(edges, Edge{From: id, To: n.Target, Type: EdgeNotify, Action: n.Action, Timing: n.Timing.OrDefault()})
		}
		for _, s := range decl.Subscribes {
			edges = append(edges, Edge{From: s.Target, To: id, Type: EdgeNotify, Action: s.Action, Timing: s.Timing.OrDefault()})
		}
	}
	return edges
}

// deriveEdges adds explicit edges, then an implicit order edge between
// consecutive declarations when neither takes part in an explicit edge.
func (b *GraphBuilder) deriveEdges() {
	explicit := make(map[Identity]bool)
	seen := make(map[Edge]bool)

	for _, e := range b.notifyEdges() {
		explicit[e.From] = true
		explicit[e.To] = true
		if seen[e] {
			continue
		}
		seen[e] = true
		b.addEdge(e)
	}

	for i := 0; i+1 < len(b.declared); i++ {
		from, to := b.declared[i], b.declared[i+1]
		if explicit[from] || explicit[to] {
			continue
		}
		b.addEdge(Edge{From: from, To: to, Type: EdgeOrder})
	}
}

func (b *GraphBuilder) addEdge(e Edge) {
	b.edges = append(b.edges, e)
	for _, existing := range b.adjacencyList[e.From] {
		if existing == e.To {
			// a second notification between the same pair adds no ordering
			return
		}
	}
	b.adjacencyList[e.From] = append(b.adjacencyList[e.From], e.To)
	b.reverseAdjacencyList[e.To] = append(b.reverseAdjacencyList[e.To], e.From)
	b.inDegree[e.To]++
	b.nodes[e.From].Edges = append(b.nodes[e.From].Edges, e)
}

// detectCycles uses depth-first search with a recursion stack. Roots are
// visited in declaration order so the reported cycle is deterministic.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[Identity]bool)
	recStack := make(map[Identity]bool)

	for _, id := range b.declared {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return ErrCycleDetected(cycle)
		}
	}
	return nil
}

func (b *GraphBuilder) detectCyclesUtil(
	id Identity,
	visited map[Identity]bool,
	recStack map[Identity]bool,
	path []Identity,
) []Identity {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, next := range b.adjacencyList[id] {
		if !visited[next] {
			if cycle := b.detectCyclesUtil(next, visited, recStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if recStack[next] {
			for i, p := range path {
				if p == next {
					cycle := make([]Identity, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, next)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// stableOrder runs Kahn's algorithm, always taking the ready node with the
// lowest declaration index.
func (b *GraphBuilder) stableOrder() ([]Identity, error) {
	inDegree := make(map[Identity]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var ready []Identity
	for _, id := range b.declared {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]Identity, 0, len(b.declared))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if b.nodes[ready[i]].Index < b.nodes[ready[best]].Index {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, next := range b.adjacencyList[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(b.declared) {
		return nil, NewPermanentError("failed to order all resources - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return order, nil
}

// computeLevels assigns each node the longest distance from a root.
func (b *GraphBuilder) computeLevels(order []Identity) [][]Identity {
	level := make(map[Identity]int, len(order))
	depth := 0
	for _, id := range order {
		for _, dep := range b.reverseAdjacencyList[id] {
			if level[dep]+1 > level[id] {
				level[id] = level[dep] + 1
			}
		}
		if level[id]+1 > depth {
			depth = level[id] + 1
		}
	}

	levels := make([][]Identity, depth)
	for _, id := range order {
		levels[level[id]] = append(levels[level[id]], id)
	}
	return levels
}

// ToDOT generates a DOT representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Resources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			node := g.nodes[id]
			label := id.String()
			if node.Declaration.Action != "" {
				label = fmt.Sprintf("%s\\n%s", label, node.Declaration.Action)
			}
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\"];\n", id.String(), label))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", e.From.String(), e.To.String(), edgeStyle(e)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func edgeStyle(e Edge) string {
	switch e.Type {
	case EdgeNotify:
		style := "solid"
		if e.Timing == NotifyDelayed {
			style = "dashed"
		}
		return fmt.Sprintf("style=%s, color=blue, label=%q", style, e.Action)
	default:
		return "style=dotted, color=gray"
	}
}
