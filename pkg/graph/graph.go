// Package graph models a workflow as a static DAG of tasks. A Graph is built
// once at definition time and handed to a runner; it never executes work
// itself.
package graph

import (
	"sort"
	"time"
)

// Graph is an immutable, validated DAG.
type Graph struct {
	name     string
	settings Settings
	tasks    map[string]Task
	opts     map[string]TaskOptions
	order    []string
	edges    []Edge
	up       map[string][]string
	down     map[string][]string
	topo     []string
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Settings() Settings { return g.settings }

// Start and End return the marker task names.
func (g *Graph) Start() string { return StartMarker }

func (g *Graph) End() string { return EndMarker }

// Len returns the number of tasks, markers included.
func (g *Graph) Len() int { return len(g.order) }

// Task looks up a task by name.
func (g *Graph) Task(name string) (Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns all tasks in registration order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.tasks[name])
	}
	return out
}

// Edges returns the edge set in declaration order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Upstream returns the direct prerequisites of name.
func (g *Graph) Upstream(name string) []string {
	return append([]string(nil), g.up[name]...)
}

// Downstream returns the direct dependents of name.
func (g *Graph) Downstream(name string) []string {
	return append([]string(nil), g.down[name]...)
}

// Descendants returns every task transitively downstream of name, in
// topological order.
func (g *Graph) Descendants(name string) []string {
	seen := reachable(g.down, name)
	var out []string
	for _, n := range g.topo {
		if _, ok := seen[n]; ok && n != name {
			out = append(out, n)
		}
	}
	return out
}

// TopologicalOrder returns a deterministic order: ties are broken by
// registration order.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.topo...)
}

// Retries returns the retry budget for a task.
func (g *Graph) Retries(name string) int {
	if o, ok := g.opts[name]; ok && o.Retries != nil {
		return *o.Retries
	}
	if g.settings.Retries < 0 {
		return 0
	}
	return g.settings.Retries
}

// Timeout returns the per-attempt timeout for a task.
func (g *Graph) Timeout(name string) time.Duration {
	if o, ok := g.opts[name]; ok && o.Timeout > 0 {
		return o.Timeout
	}
	if g.settings.TaskTimeout > 0 {
		return g.settings.TaskTimeout
	}
	return DefaultTaskTimeout
}

func (g *Graph) topologicalOrder() ([]string, error) {
	index := make(map[string]int, len(g.order))
	for i, name := range g.order {
		index[name] = i
	}
	indeg := make(map[string]int, len(g.order))
	for _, name := range g.order {
		indeg[name] = len(g.up[name])
	}
	var ready []string
	for _, name := range g.order {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}
	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range g.down[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	if len(out) != len(g.order) {
		return nil, cycleError(nil)
	}
	return out, nil
}
