// Package distributed turns a workflow graph into topological levels and runs
// them through the shared task queue.
package distributed

import (
	"sort"
	"strings"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/task"
)

// Partition is the set of nodes on one topological level. It is not modified
// after planning.
type Partition struct {
	Level   int
	NodeIDs []string
}

// Plan is a validated, levelled workflow graph
type Plan struct {
	Levels []Partition

	nodes      map[string]task.Node
	order      []string
	deps       map[string][]string
	dependents map[string][]string
	levelOf    map[string]int
}

// BuildPlan validates the graph and groups nodes by level with Kahn's
// algorithm: level 0 holds nodes without dependencies, level k+1 nodes whose
// dependencies all sit on levels <= k. Nodes keep their declaration order
// within a level. Duplicate or dangling ids fail with invalid_graph, cycles with
// graph_cycle.
func BuildPlan(nodes []task.Node, edges []task.Edge) (*Plan, error) {
	if len(nodes) == 0 {
		return nil, talerrors.Newf(talerrors.KindInvalidGraph, "workflow has no nodes")
	}

	p := &Plan{
		nodes:      make(map[string]task.Node, len(nodes)),
		order:      make([]string, 0, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
		levelOf:    make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, talerrors.Newf(talerrors.KindInvalidGraph, "node of type %q has no id", n.Type)
		}
		if _, dup := p.nodes[n.ID]; dup {
			return nil, talerrors.Newf(talerrors.KindInvalidGraph, "duplicate node id %q", n.ID)
		}
		p.nodes[n.ID] = n
		p.order = append(p.order, n.ID)
	}

	seen := make(map[task.Edge]bool, len(edges))
	indegree := make(map[string]int, len(nodes))
	for _, e := range edges {
		if _, ok := p.nodes[e.From]; !ok {
			return nil, talerrors.Newf(talerrors.KindInvalidGraph, "edge %s -> %s references unknown node %q", e.From, e.To, e.From)
		}
		if _, ok := p.nodes[e.To]; !ok {
			return nil, talerrors.Newf(talerrors.KindInvalidGraph, "edge %s -> %s references unknown node %q", e.From, e.To, e.To)
		}
		if e.From == e.To {
			return nil, talerrors.Newf(talerrors.KindGraphCycle, "node %q depends on itself", e.From)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		p.deps[e.To] = append(p.deps[e.To], e.From)
		p.dependents[e.From] = append(p.dependents[e.From], e.To)
		indegree[e.To]++
	}

	position := make(map[string]int, len(p.order))
	for i, id := range p.order {
		position[id] = i
	}

	var current []string
	for _, id := range p.order {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}

	placed := 0
	for level := 0; len(current) > 0; level++ {
		p.Levels = append(p.Levels, Partition{Level: level, NodeIDs: current})
		placed += len(current)

		var next []string
		for _, id := range current {
			p.levelOf[id] = level
			for _, d := range p.dependents[id] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		current = next
	}

	if placed < len(p.order) {
		var stuck []string
		for _, id := range p.order {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, talerrors.Newf(talerrors.KindGraphCycle, "workflow graph has a cycle through %s", strings.Join(stuck, ", "))
	}
	return p, nil
}

// Len returns the number of nodes
func (p *Plan) Len() int {
	return len(p.order)
}

// NodeIDs returns every node id in declaration order
func (p *Plan) NodeIDs() []string {
	return append([]string(nil), p.order...)
}

// Node returns the node with id
func (p *Plan) Node(id string) (task.Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Dependencies returns the ids id depends on
func (p *Plan) Dependencies(id string) []string {
	return p.deps[id]
}

// Dependents returns the ids that depend on id
func (p *Plan) Dependents(id string) []string {
	return p.dependents[id]
}

// LevelOf returns the level of id, or -1
func (p *Plan) LevelOf(id string) int {
	if l, ok := p.levelOf[id]; ok {
		return l
	}
	return -1
}

// CheckExecutors fails with unknown_executor when a node type is not registered
func (p *Plan) CheckExecutors(registry *task.Registry) error {
	for _, id := range p.order {
		n := p.nodes[id]
		if _, ok := registry.Lookup(n.Type); !ok {
			return talerrors.Newf(talerrors.KindUnknownExecutor, "node %q has unknown type %q", id, n.Type)
		}
	}
	return nil
}
