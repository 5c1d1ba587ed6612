package graph

import (
	"reflect"
	"sort"
	"strings"
)

// Edge orders two tasks: Downstream must not start before Upstream succeeded.
type Edge struct {
	Upstream   string `json:"upstream"`
	Downstream string `json:"downstream"`
}

// Builder assembles a Graph. Structural errors are returned as soon as the
// offending call is made; Build runs the whole-graph checks.
type Builder struct {
	name     string
	settings Settings
	tasks    map[string]Task
	opts     map[string]TaskOptions
	order    []string
	edges    []Edge
	seen     map[Edge]struct{}
	up       map[string][]string
	down     map[string][]string
	start    *Marker
	end      *Marker
}

// NewBuilder returns a builder whose graph already holds the start and end
// markers.
func NewBuilder(name string, settings Settings) *Builder {
	b := &Builder{
		name:     name,
		settings: settings,
		tasks:    make(map[string]Task),
		opts:     make(map[string]TaskOptions),
		seen:     make(map[Edge]struct{}),
		up:       make(map[string][]string),
		down:     make(map[string][]string),
		start:    NewMarker(StartMarker),
		end:      NewMarker(EndMarker),
	}
	b.register(b.start, TaskOptions{})
	b.register(b.end, TaskOptions{})
	return b
}

// Start returns the start marker.
func (b *Builder) Start() Task { return b.start }

// End returns the end marker.
func (b *Builder) End() Task { return b.end }

// AddTask registers t. Names are unique within a graph.
func (b *Builder) AddTask(t Task, opts ...TaskOption) error {
	if t == nil {
		return invalidf("nil task")
	}
	name := t.Name()
	if strings.TrimSpace(name) == "" {
		return invalidf("task with empty name")
	}
	if _, ok := b.tasks[name]; ok {
		return invalidf("duplicate task %q", name)
	}
	var o TaskOptions
	for _, opt := range opts {
		opt(&o)
	}
	b.register(t, o)
	return nil
}

func (b *Builder) register(t Task, o TaskOptions) {
	b.tasks[t.Name()] = t
	b.opts[t.Name()] = o
	b.order = append(b.order, t.Name())
}

// AddEdge adds upstream -> downstream. Re-adding an existing edge is a
// no-op; an edge that would close a cycle is rejected with ErrCycle.
func (b *Builder) AddEdge(upstream, downstream string) error {
	if _, ok := b.tasks[upstream]; !ok {
		return invalidf("unknown upstream task %q", upstream)
	}
	if _, ok := b.tasks[downstream]; !ok {
		return invalidf("unknown downstream task %q", downstream)
	}
	if upstream == downstream {
		return cycleError([]string{upstream, downstream})
	}
	if downstream == StartMarker {
		return invalidf("%s cannot have upstream tasks", StartMarker)
	}
	if upstream == EndMarker {
		return invalidf("%s cannot have downstream tasks", EndMarker)
	}
	e := Edge{Upstream: upstream, Downstream: downstream}
	if _, ok := b.seen[e]; ok {
		return nil
	}
	if path := findPath(b.down, downstream, upstream); path != nil {
		return cycleError(append([]string{upstream}, path...))
	}
	b.seen[e] = struct{}{}
	b.edges = append(b.edges, e)
	b.down[upstream] = append(b.down[upstream], downstream)
	b.up[downstream] = append(b.up[downstream], upstream)
	return nil
}

// Connect adds one edge from upstream to each downstream task, registering
// tasks the builder has not seen yet.
func (b *Builder) Connect(upstream Task, downstream ...Task) error {
	if err := b.ensure(upstream); err != nil {
		return err
	}
	for _, d := range downstream {
		if err := b.ensure(d); err != nil {
			return err
		}
		if err := b.AddEdge(upstream.Name(), d.Name()); err != nil {
			return err
		}
	}
	return nil
}

// ensure registers t unless that exact task is already known. A different
// task reusing a registered name is a duplicate.
func (b *Builder) ensure(t Task) error {
	if t == nil {
		return invalidf("nil task")
	}
	existing, ok := b.tasks[t.Name()]
	if !ok {
		return b.AddTask(t)
	}
	if !sameTask(existing, t) {
		return invalidf("duplicate task %q", t.Name())
	}
	return nil
}

func sameTask(a, b Task) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Build checks the marker and destructive-target invariants and returns
// the frozen graph.
func (b *Builder) Build() (*Graph, error) {
	if strings.TrimSpace(b.name) == "" {
		return nil, invalidf("graph name is required")
	}
	fromStart := reachable(b.down, StartMarker)
	toEnd := reachable(b.up, EndMarker)
	var orphans, deadEnds []string
	for _, name := range b.order {
		if _, ok := fromStart[name]; !ok {
			orphans = append(orphans, name)
		}
		if _, ok := toEnd[name]; !ok {
			deadEnds = append(deadEnds, name)
		}
	}
	if len(orphans) > 0 {
		return nil, invalidf("tasks not reachable from %s: %s", StartMarker, strings.Join(orphans, ", "))
	}
	if len(deadEnds) > 0 {
		return nil, invalidf("tasks not leading to %s: %s", EndMarker, strings.Join(deadEnds, ", "))
	}
	if err := b.checkDestructive(); err != nil {
		return nil, err
	}

	g := &Graph{
		name:     b.name,
		settings: b.settings,
		tasks:    make(map[string]Task, len(b.tasks)),
		opts:     make(map[string]TaskOptions, len(b.opts)),
		order:    append([]string(nil), b.order...),
		edges:    append([]Edge(nil), b.edges...),
		up:       make(map[string][]string, len(b.up)),
		down:     make(map[string][]string, len(b.down)),
	}
	for k, v := range b.tasks {
		g.tasks[k] = v
	}
	for k, v := range b.opts {
		g.opts[k] = v
	}
	for k, v := range b.up {
		g.up[k] = append([]string(nil), v...)
	}
	for k, v := range b.down {
		g.down[k] = append([]string(nil), v...)
	}
	topo, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.topo = topo
	return g, nil
}

// checkDestructive rejects two tasks clearing the same table when no edge
// path orders them.
func (b *Builder) checkDestructive() error {
	byTable := make(map[string][]string)
	for _, name := range b.order {
		d, ok := b.tasks[name].(Destructive)
		if !ok {
			continue
		}
		for _, table := range d.DestructiveTables() {
			key := strings.ToLower(table)
			byTable[key] = append(byTable[key], name)
		}
	}
	tables := make([]string, 0, len(byTable))
	for table := range byTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		names := byTable[table]
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				a, c := names[i], names[j]
				if findPath(b.down, a, c) == nil && findPath(b.down, c, a) == nil {
					return invalidf("tasks %q and %q both clear table %q without an ordering edge", a, c, table)
				}
			}
		}
	}
	return nil
}

// findPath returns the node sequence from -> ... -> to, or nil.
func findPath(adj map[string][]string, from, to string) []string {
	visited := make(map[string]struct{})
	var walk func(string) []string
	walk = func(n string) []string {
		if n == to {
			return []string{n}
		}
		visited[n] = struct{}{}
		for _, next := range adj[n] {
			if _, ok := visited[next]; ok {
				continue
			}
			if p := walk(next); p != nil {
				return append([]string{n}, p...)
			}
		}
		return nil
	}
	return walk(from)
}

func reachable(adj map[string][]string, from string) map[string]struct{} {
	seen := map[string]struct{}{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range adj[n] {
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return seen
}
