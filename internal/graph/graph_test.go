package graph

import (
	"errors"
	"testing"

	"github.com/musterlabs/muster/pkg/models"
)

func steps(ids ...string) []*models.WorkflowStep {
	out := make([]*models.WorkflowStep, len(ids))
	for i, id := range ids {
		out[i] = &models.WorkflowStep{ID: id}
	}
	return out
}

func TestBuild_LinearChain(t *testing.T) {
	ss := steps("a", "b", "c")
	ss[1].DependsOn = []string{"a"}
	ss[2].DependsOn = []string{"b"}

	g := New()
	if err := g.Build(ss); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.Ready()
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("initial frontier = %v, want [a]", ready)
	}

	ss[0].Status = models.StepStatusCompleted
	ready = g.Ready()
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("frontier after a completed = %v, want [b]", ready)
	}

	ss[1].Status = models.StepStatusCompleted
	ss[2].Status = models.StepStatusCompleted
	if !g.AllTerminal() {
		t.Error("AllTerminal() = false after every step completed")
	}
}

func TestBuild_Diamond(t *testing.T) {
	ss := steps("a", "b", "c", "d")
	ss[1].DependsOn = []string{"a"}
	ss[2].DependsOn = []string{"a"}
	ss[3].DependsOn = []string{"b", "c"}

	g := New()
	if err := g.Build(ss); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if ready := g.Ready(); len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("initial frontier = %v, want [a]", ready)
	}

	ss[0].Status = models.StepStatusCompleted
	ready := g.Ready()
	if len(ready) != 2 || ready[0] != "b" || ready[1] != "c" {
		t.Errorf("frontier after a = %v, want [b c]", ready)
	}

	// d needs both b and c.
	ss[1].Status = models.StepStatusCompleted
	for _, id := range g.Ready() {
		if id == "d" {
			t.Error("d became ready with c still pending")
		}
	}

	ss[2].Status = models.StepStatusCompleted
	if ready := g.Ready(); len(ready) != 1 || ready[0] != "d" {
		t.Errorf("frontier after b and c = %v, want [d]", ready)
	}
}

func TestBuild_CycleDetected(t *testing.T) {
	ss := steps("a", "b", "c")
	ss[0].DependsOn = []string{"c"}
	ss[1].DependsOn = []string{"a"}
	ss[2].DependsOn = []string{"b"}

	err := New().Build(ss)
	if err == nil {
		t.Fatal("Build accepted a cyclic graph")
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("error does not match ErrCycleDetected: %v", err)
	}

	var cerr *CircularDependencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("error is not a *CircularDependencyError: %v", err)
	}
	if len(cerr.Steps) < 2 {
		t.Fatalf("cycle names %d steps, want at least 2: %v", len(cerr.Steps), cerr.Steps)
	}
	if cerr.Steps[0] != cerr.Steps[len(cerr.Steps)-1] {
		t.Errorf("cycle is not closed: %v", cerr.Steps)
	}
	named := make(map[string]bool)
	for _, id := range cerr.Steps {
		named[id] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !named[id] {
			t.Errorf("cycle %v does not name step %s", cerr.Steps, id)
		}
	}
}

func TestBuild_SelfDependency(t *testing.T) {
	ss := steps("a")
	ss[0].DependsOn = []string{"a"}

	err := New().Build(ss)
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("self-dependency not detected as cycle: %v", err)
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	ss := steps("a")
	ss[0].DependsOn = []string{"ghost"}

	err := New().Build(ss)
	if err == nil {
		t.Fatal("Build accepted a reference to an unknown step")
	}
	if errors.Is(err, ErrCycleDetected) {
		t.Errorf("unknown dependency misreported as cycle: %v", err)
	}
}

func TestBuild_DuplicateID(t *testing.T) {
	if err := New().Build(steps("a", "a")); err == nil {
		t.Fatal("Build accepted duplicate step ids")
	}
}

func TestReady_PriorityOrder(t *testing.T) {
	ss := steps("low", "high", "mid")
	ss[0].Priority = 1
	ss[1].Priority = 9
	ss[2].Priority = 5

	g := New()
	if err := g.Build(ss); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.Ready()
	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if ready[i] != id {
			t.Fatalf("Ready() = %v, want %v", ready, want)
		}
	}
}

func TestReady_SkippedSatisfiesDependents(t *testing.T) {
	ss := steps("a", "b")
	ss[1].DependsOn = []string{"a"}
	ss[0].Status = models.StepStatusSkipped

	g := New()
	if err := g.Build(ss); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if ready := g.Ready(); len(ready) != 1 || ready[0] != "b" {
		t.Errorf("Ready() = %v, want [b] behind a skipped predecessor", ready)
	}
}

func TestReady_FailedBlocksDependents(t *testing.T) {
	ss := steps("a", "b")
	ss[1].DependsOn = []string{"a"}
	ss[0].Status = models.StepStatusFailed

	g := New()
	if err := g.Build(ss); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if ready := g.Ready(); len(ready) != 0 {
		t.Errorf("Ready() = %v, want [] behind a failed predecessor", ready)
	}
}

func TestDependents(t *testing.T) {
	ss := steps("a", "b", "c", "d")
	ss[1].DependsOn = []string{"a"}
	ss[2].DependsOn = []string{"a"}
	ss[3].DependsOn = []string{"b", "c"}

	g := New()
	if err := g.Build(ss); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	direct := g.Dependents("a")
	if len(direct) != 2 || direct[0] != "b" || direct[1] != "c" {
		t.Errorf("Dependents(a) = %v, want [b c]", direct)
	}

	all := g.TransitiveDependents("a")
	if len(all) != 3 {
		t.Errorf("TransitiveDependents(a) = %v, want [b c d]", all)
	}

	if got := g.TransitiveDependents("b"); len(got) != 1 || got[0] != "d" {
		t.Errorf("TransitiveDependents(b) = %v, want [d]", got)
	}

	if got := g.TransitiveDependents("d"); len(got) != 0 {
		t.Errorf("TransitiveDependents(d) = %v, want []", got)
	}
}

func TestTopologicalSort(t *testing.T) {
	ss := steps("a", "b", "c", "d")
	ss[1].DependsOn = []string{"a"}
	ss[2].DependsOn = []string{"a"}
	ss[3].DependsOn = []string{"b", "c"}

	g := New()
	if err := g.Build(ss); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort failed: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("TopologicalSort returned %d ids, want 4", len(order))
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, s := range ss {
		for _, dep := range s.DependsOn {
			if pos[dep] > pos[s.ID] {
				t.Errorf("dependency %s sorted after dependent %s: %v", dep, s.ID, order)
			}
		}
	}
}
