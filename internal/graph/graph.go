// Package graph provides the step dependency graph used for workflow
// scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/musterlabs/muster/pkg/models"
)

// ErrCycleDetected indicates a circular dependency among workflow steps.
var ErrCycleDetected = errors.New("circular dependency detected")

// CircularDependencyError reports the steps forming a dependency cycle.
type CircularDependencyError struct {
	// Steps lists the ids along the cycle. The first id repeats at the
	// end, so a->b->a renders as [a b a].
	Steps []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Steps, " -> "))
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CircularDependencyError) Unwrap() error { return ErrCycleDetected }

// Color states for cycle detection.
const (
	white = iota // unvisited
	gray         // on the recursion stack
	black        // fully processed
)

// DependencyGraph is a directed acyclic graph of workflow steps. Nodes
// are steps, edges point from a step to the steps it depends on.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps step ID to the step itself.
	nodes map[string]*models.WorkflowStep
	// edges maps step ID to the IDs it depends on.
	edges map[string][]string
	// reverse maps step ID to the IDs that depend on it.
	reverse map[string][]string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:   make(map[string]*models.WorkflowStep),
		edges:   make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// Build constructs the graph from a slice of steps. It fails on
// duplicate ids, references to unknown steps, and dependency cycles.
// A cycle failure is a *CircularDependencyError naming the offending
// steps and matches ErrCycleDetected.
func (g *DependencyGraph) Build(steps []*models.WorkflowStep) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// First pass: register all steps as nodes.
	for _, step := range steps {
		if step.ID == "" {
			return errors.New("step with empty id")
		}
		if _, exists := g.nodes[step.ID]; exists {
			return fmt.Errorf("duplicate step id %s", step.ID)
		}
		if step.Status == "" {
			step.Status = models.StepStatusPending
		}
		g.nodes[step.ID] = step
		g.edges[step.ID] = nil
	}

	// Second pass: build edges from DependsOn fields.
	for _, step := range steps {
		for _, depID := range step.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("step %s depends on unknown step %s", step.ID, depID)
			}
			g.edges[step.ID] = append(g.edges[step.ID], depID)
			g.reverse[depID] = append(g.reverse[depID], step.ID)
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &CircularDependencyError{Steps: cycle}
	}
	return nil
}

// findCycleLocked runs a depth-first search with coloring and an
// explicit recursion stack. On a back edge it returns the stack slice
// from the first occurrence of the revisited node, closed with that
// node; otherwise nil. Assumes the lock is held.
func (g *DependencyGraph) findCycleLocked() []string {
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case gray:
				for i, sid := range stack {
					if sid == depID {
						cycle = append(append([]string(nil), stack[i:]...), depID)
						break
					}
				}
				return true
			case white:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return false
	}

	for _, id := range g.sortedIDsLocked() {
		if colors[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Ready returns the IDs of steps whose predecessors are all satisfied
// and that are still waiting to run, sorted by priority then id.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, step := range g.nodes {
		if step.Status != models.StepStatusPending && step.Status != models.StepStatusReady {
			continue
		}
		if g.satisfiedLocked(id) {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := g.nodes[ready[i]], g.nodes[ready[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return ready
}

// satisfiedLocked reports whether every dependency of the step is
// completed or skipped. Assumes the lock is held.
func (g *DependencyGraph) satisfiedLocked(id string) bool {
	for _, depID := range g.edges[id] {
		dep, exists := g.nodes[depID]
		if !exists || !dep.Status.Satisfied() {
			return false
		}
	}
	return true
}

// AllTerminal returns true once every step is in a terminal status.
func (g *DependencyGraph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, step := range g.nodes {
		if !step.Status.Terminal() {
			return false
		}
	}
	return true
}

// Step returns the step for a given ID, or nil if not found.
func (g *DependencyGraph) Step(id string) *models.WorkflowStep {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of steps in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs the given step depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the IDs of steps that directly depend on the
// given step, sorted.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := append([]string(nil), g.reverse[id]...)
	sort.Strings(out)
	return out
}

// TransitiveDependents returns every step downstream of the given
// step, sorted. Used to cascade skips when a step fails.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := append([]string(nil), g.reverse[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.reverse[next]...)
	}

	out := make([]string, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// TopologicalSort returns step IDs with every dependency ordered
// before the steps that depend on it. Fails if the graph has a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, &CircularDependencyError{Steps: cycle}
	}

	visited := make(map[string]bool)
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.sortedIDsLocked() {
		visit(id)
	}
	return result, nil
}

// sortedIDsLocked returns all node IDs in sorted order so traversals
// are deterministic. Assumes the lock is held.
func (g *DependencyGraph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
