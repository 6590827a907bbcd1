package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/musterlabs/muster/pkg/models"
)

// CommandRunner executes a configured command per task. The task
// payload arrives on stdin as JSON; stdout becomes the step result.
type CommandRunner struct {
	// Argv is the command and its arguments.
	Argv []string
	// WorkDir is the working directory, empty for the process default.
	WorkDir string
}

// NewCommandRunner creates a CommandRunner for the given argv.
func NewCommandRunner(argv []string, workDir string) (*CommandRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("command runner needs a command")
	}
	return &CommandRunner{Argv: argv, WorkDir: workDir}, nil
}

// Run executes the command once. A non-zero exit becomes a failure
// result carrying the exit error and stderr; stdout that parses as
// JSON is passed through verbatim, anything else is wrapped.
func (r *CommandRunner) Run(ctx context.Context, task *models.Task) (*models.StepResult, error) {
	cmd := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...)
	if r.WorkDir != "" {
		cmd.Dir = r.WorkDir
	}
	cmd.Stdin = bytes.NewReader(task.Payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := err.Error()
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			reason = fmt.Sprintf("%s: %s", err, msg)
		}
		return &models.StepResult{StepID: task.StepID, Reason: reason}, nil
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		wrapped, err := json.Marshal(map[string]string{"stdout": string(out)})
		if err != nil {
			return nil, err
		}
		out = wrapped
	}
	return &models.StepResult{StepID: task.StepID, Output: out}, nil
}

// SimulatedRunner succeeds after a fixed delay, echoing the payload.
// It backs tests and demo pools.
type SimulatedRunner struct {
	// Delay is how long each task pretends to work.
	Delay time.Duration
	// FailCapability, when set, fails tasks requiring this tag.
	FailCapability string
}

// Run simulates one task execution.
func (r *SimulatedRunner) Run(ctx context.Context, task *models.Task) (*models.StepResult, error) {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, c := range task.Capabilities {
		if c == r.FailCapability && r.FailCapability != "" {
			return &models.StepResult{StepID: task.StepID, Reason: "simulated failure"}, nil
		}
	}
	out, err := json.Marshal(map[string]any{
		"task_id": task.ID,
		"echo":    json.RawMessage(normalizePayload(task.Payload)),
	})
	if err != nil {
		return nil, err
	}
	return &models.StepResult{StepID: task.StepID, Output: out}, nil
}

// normalizePayload substitutes null for an absent payload so the echo
// document stays valid JSON.
func normalizePayload(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	return p
}
