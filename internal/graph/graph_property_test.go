package graph

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/musterlabs/muster/pkg/models"
)

// Random DAGs built from forward-only edges must always be accepted,
// and their initial frontier is exactly the dependency-free steps.
func TestBuild_RandomAcyclicAccepted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "steps")
		ss := make([]*models.WorkflowStep, n)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			ss[i] = &models.WorkflowStep{ID: fmt.Sprintf("s%d", i), DependsOn: deps}
		}

		g := New()
		if err := g.Build(ss); err != nil {
			t.Fatalf("acyclic graph rejected: %v", err)
		}

		ready := g.Ready()
		if len(ready) == 0 {
			t.Fatal("non-empty acyclic graph produced an empty frontier")
		}
		frontier := make(map[string]bool, len(ready))
		for _, id := range ready {
			frontier[id] = true
		}
		for _, s := range ss {
			if frontier[s.ID] != (len(s.DependsOn) == 0) {
				t.Fatalf("step %s with deps %v: in frontier = %v", s.ID, s.DependsOn, frontier[s.ID])
			}
		}
	})
}

// Closing any forward chain with a back edge must be rejected with a
// closed cycle that names only known steps.
func TestBuild_InjectedCycleRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 10).Draw(t, "steps")
		ss := make([]*models.WorkflowStep, n)
		ss[0] = &models.WorkflowStep{ID: "s0"}
		for i := 1; i < n; i++ {
			ss[i] = &models.WorkflowStep{
				ID:        fmt.Sprintf("s%d", i),
				DependsOn: []string{fmt.Sprintf("s%d", i-1)},
			}
		}
		// The chain guarantees s_j transitively depends on s_i for j > i,
		// so one extra edge i -> j closes a cycle.
		i := rapid.IntRange(0, n-2).Draw(t, "from")
		j := rapid.IntRange(i+1, n-1).Draw(t, "to")
		ss[i].DependsOn = append(ss[i].DependsOn, fmt.Sprintf("s%d", j))

		err := New().Build(ss)
		if err == nil {
			t.Fatal("cyclic graph accepted")
		}
		if !errors.Is(err, ErrCycleDetected) {
			t.Fatalf("error does not match ErrCycleDetected: %v", err)
		}

		var cerr *CircularDependencyError
		if !errors.As(err, &cerr) {
			t.Fatalf("error is not a *CircularDependencyError: %v", err)
		}
		if len(cerr.Steps) < 2 {
			t.Fatalf("cycle names %d steps: %v", len(cerr.Steps), cerr.Steps)
		}
		if cerr.Steps[0] != cerr.Steps[len(cerr.Steps)-1] {
			t.Fatalf("cycle is not closed: %v", cerr.Steps)
		}
		known := make(map[string]bool, n)
		for _, s := range ss {
			known[s.ID] = true
		}
		for _, id := range cerr.Steps {
			if !known[id] {
				t.Fatalf("cycle names unknown step %s: %v", id, cerr.Steps)
			}
		}
	})
}
