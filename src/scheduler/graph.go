// Package scheduler turns a DAG of Task Specs into a running build: it
// detects cycles at ingestion, dispatches ready tasks into a bounded work
// pool in priority order, consults the Action Cache before falling back to
// an Executor (normally a Sandbox), and coalesces concurrent requests for
// the same action digest so at most one execution of a given fingerprint
// ever runs at a time.
package scheduler

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/anvil-build/anvil/src/errkind"
	"github.com/anvil-build/anvil/src/signature"
	"github.com/anvil-build/anvil/src/task"
)

// node is one task in the graph plus the bookkeeping the scheduler needs to
// run it: its declared dependency names, the static (non-dependency) input
// files it contributes to its own input root, and - once known - its
// priority and outcome.
type node struct {
	name   string
	spec   *task.TaskSpec
	deps   []string
	inputs []signature.InputFile

	dependents           []string // direct dependents, filled in by Graph.AddTask
	transitiveDependents int      // count of distinct descendants, filled in by Graph.Validate

	result    *task.ActionResult
	fromCache bool
	failed    bool
}

// Graph is the set of tasks and produces-for edges the Scheduler runs.
// Build it with NewGraph and AddTask, then hand it to NewScheduler; a Graph
// is not safe to mutate once a Scheduler is running against it.
type Graph struct {
	nodes map[string]*node
	order []string // insertion order, for deterministic iteration where name order isn't already implied
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: map[string]*node{}}
}

// AddTask adds a task named name to the graph. deps are the names of tasks
// that must complete before name may run; inputs are the files name needs
// that are not produced by any dependency (already-resolved source files,
// typically). AddTask returns an error if name is already present or if a
// dependency name hasn't been added yet - dependencies must be added before
// their dependents.
func (g *Graph) AddTask(name string, spec *task.TaskSpec, deps []string, inputs []signature.InputFile) error {
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("task %q already added to graph", name)
	}
	for _, d := range deps {
		if _, ok := g.nodes[d]; !ok {
			return fmt.Errorf("%w: task %q depends on unknown task %q", errkind.UnknownTask, name, d)
		}
	}
	n := &node{name: name, spec: spec, deps: append([]string(nil), deps...), inputs: inputs}
	g.nodes[name] = n
	g.order = append(g.order, name)
	for _, d := range deps {
		g.nodes[d].dependents = append(g.nodes[d].dependents, name)
	}
	return nil
}

// TaskSpec returns the Task Spec registered under name, if any.
func (g *Graph) TaskSpec(name string) (*task.TaskSpec, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return nil, false
	}
	return n.spec, true
}

// CycleError is returned by Validate when the graph contains a dependency
// cycle. Cycle lists one offending cycle, starting and ending at the same
// task name.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// Unwrap lets errors.Is(err, errkind.CycleDetected) match a *CycleError.
func (e *CycleError) Unwrap() error { return errkind.CycleDetected }

// colour marks a node's state during the depth-first cycle search.
type colour int

const (
	white colour = iota // not yet visited
	grey                // on the current DFS stack
	black               // fully explored, known acyclic below it
)

// Validate detects dependency cycles and, if the graph is acyclic,
// precomputes each task's transitive dependent count for priority
// ordering. Run calls it before dispatching any task, so a direct call is
// only needed to check a graph ahead of a run; AddTask does not keep these
// counts incrementally.
//
// The graph is assumed fully known upfront (recipe lowering has already
// happened), so this is a single synchronous depth-first search rather than
// the queue-fed incremental detector a long-lived build graph would need.
func (g *Graph) Validate() error {
	colours := make(map[string]colour, len(g.nodes))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		colours[name] = grey
		stack = append(stack, name)
		for _, dep := range g.nodes[name].deps {
			switch colours[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case grey:
				// dep is an ancestor on the current stack: found a cycle.
				cycle := cycleFrom(stack, dep)
				return &CycleError{Cycle: cycle}
			case black:
				// already fully explored, known acyclic
			}
		}
		stack = stack[:len(stack)-1]
		colours[name] = black
		return nil
	}

	for _, name := range g.order {
		if colours[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}

	g.computeTransitiveDependents()
	return nil
}

// cycleFrom extracts the cycle out of the current DFS stack: the slice from
// the first occurrence of root to the end, plus root again to close it.
func cycleFrom(stack []string, root string) []string {
	for i, name := range stack {
		if name == root {
			cycle := append([]string(nil), stack[i:]...)
			return append(cycle, root)
		}
	}
	return append(append([]string(nil), stack...), root)
}

// computeTransitiveDependents fills in transitiveDependents for every node:
// the count of distinct tasks reachable by following dependents edges. The
// graph is acyclic by this point, so a plain memoized DFS terminates.
func (g *Graph) computeTransitiveDependents() {
	memo := make(map[string]map[string]bool, len(g.nodes))

	var reach func(name string) map[string]bool
	reach = func(name string) map[string]bool {
		if set, ok := memo[name]; ok {
			return set
		}
		set := map[string]bool{}
		memo[name] = set // break cycles defensively; graph is validated acyclic by the time this runs
		for _, dependent := range g.nodes[name].dependents {
			set[dependent] = true
			for descendant := range reach(dependent) {
				set[descendant] = true
			}
		}
		return set
	}

	for _, name := range g.order {
		g.nodes[name].transitiveDependents = len(reach(name))
	}
}

// readyQueue is a priority queue of ready-to-run nodes, ordered by highest
// transitive-dependent count first and lexicographic name as the
// deterministic tie-break.
type readyQueue []*node

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].transitiveDependents != q[j].transitiveDependents {
		return q[i].transitiveDependents > q[j].transitiveDependents
	}
	return q[i].name < q[j].name
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)   { *q = append(*q, x.(*node)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*readyQueue)(nil)
