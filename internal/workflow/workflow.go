// Package workflow parses workflow definition files into the model the
// orchestrator runs. Definitions are YAML documents listing steps, their
// dependencies, and routing hints.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/musterlabs/muster/internal/graph"
	"github.com/musterlabs/muster/pkg/models"
)

// file is the YAML shape of a workflow definition.
type file struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	FailurePolicy string     `yaml:"failure_policy"`
	Steps         []fileStep `yaml:"steps"`
}

type fileStep struct {
	ID           string    `yaml:"id"`
	Name         string    `yaml:"name"`
	DependsOn    []string  `yaml:"depends_on"`
	Capabilities []string  `yaml:"capabilities"`
	Complexity   float64   `yaml:"complexity"`
	Priority     int       `yaml:"priority"`
	Timeout      string    `yaml:"timeout"`
	Input        yaml.Node `yaml:"input"`
}

// Load reads and parses the workflow definition at path.
func Load(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return w, nil
}

// Parse decodes a workflow definition and validates its structure,
// including the dependency graph being acyclic.
func Parse(data []byte) (*models.Workflow, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("workflow has no steps")
	}

	w := &models.Workflow{
		ID:            f.ID,
		Name:          f.Name,
		FailurePolicy: models.FailurePolicy(f.FailurePolicy),
	}
	if f.FailurePolicy != "" && !w.FailurePolicy.Valid() {
		return nil, fmt.Errorf("unknown failure policy %q", f.FailurePolicy)
	}

	for i, fs := range f.Steps {
		step, err := buildStep(fs)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, fs.ID, err)
		}
		w.Steps = append(w.Steps, step)
	}

	// Build validates duplicate ids, unknown references, and cycles.
	g := graph.New()
	if err := g.Build(w.Steps); err != nil {
		return nil, err
	}
	return w, nil
}

func buildStep(fs fileStep) (*models.WorkflowStep, error) {
	if fs.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if fs.Complexity < 0 || fs.Complexity > 1 {
		return nil, fmt.Errorf("complexity %v outside 0..1", fs.Complexity)
	}

	step := &models.WorkflowStep{
		ID:           fs.ID,
		Name:         fs.Name,
		DependsOn:    fs.DependsOn,
		Capabilities: fs.Capabilities,
		Complexity:   fs.Complexity,
		Priority:     fs.Priority,
		Status:       models.StepStatusPending,
	}
	if step.Name == "" {
		step.Name = fs.ID
	}

	if fs.Timeout != "" {
		d, err := time.ParseDuration(fs.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", fs.Timeout, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("timeout %q is not positive", fs.Timeout)
		}
		step.Timeout = d
	}

	if !fs.Input.IsZero() {
		input, err := nodeToJSON(&fs.Input)
		if err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
		step.Input = input
	}
	return step, nil
}

// nodeToJSON re-encodes an arbitrary YAML value as JSON, since the step
// payload travels as opaque JSON from here on.
func nodeToJSON(node *yaml.Node) (json.RawMessage, error) {
	var value any
	if err := node.Decode(&value); err != nil {
		return nil, err
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return out, nil
}
