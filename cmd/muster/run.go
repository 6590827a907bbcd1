package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/musterlabs/muster/internal/orchestrator"
	"github.com/musterlabs/muster/internal/tui"
	"github.com/musterlabs/muster/internal/workflow"
	"github.com/musterlabs/muster/pkg/models"
)

var (
	runFollow bool
	runInline bool
	runPool   int
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow",
	Long: `Run a workflow from a YAML definition file.

In memory mode the command starts an in-process worker pool, so a
workflow runs end to end with no external services. In redis mode the
steps are dispatched to 'muster worker' processes sharing the same
Redis instance.

With --inline, steps execute directly in this process without the
dispatch round trip; --pool controls the in-process worker count.

Every step transition is checkpointed. A run interrupted with Ctrl-C
can be continued with 'muster resume <workflow-id>'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(args[0])
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "Follow progress in a live TUI")
	runCmd.Flags().BoolVar(&runInline, "inline", false, "Execute steps in-process, skipping dispatch")
	runCmd.Flags().IntVar(&runPool, "pool", 2, "In-process workers to start in memory mode")
}

func runWorkflow(path string) error {
	ctx, cancel := signalContext()
	defer cancel()

	w, err := workflow.Load(path)
	if err != nil {
		return err
	}

	s, err := buildStack(ctx, runInline)
	if err != nil {
		return err
	}
	defer s.close()

	if runInline {
		if _, err := registerInlineAgent(ctx, s); err != nil {
			return err
		}
	} else if s.cfg.Coordinator.Mode == "memory" {
		stop := startLocalPool(ctx, s, runPool)
		defer stop()
	}

	id, err := s.orch.Submit(ctx, w)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted workflow %s (%d steps)\n", id, len(w.Steps))
	watchControlTopic(ctx, s, id)

	return awaitWorkflow(ctx, s, id, runFollow)
}

// awaitWorkflow follows the run to completion, rendering progress in
// the TUI or as plain event lines.
func awaitWorkflow(ctx context.Context, s *stack, id string, follow bool) error {
	if follow {
		initial, err := s.orch.Workflow(id)
		if err != nil {
			return err
		}
		if err := tui.Follow(ctx, initial, s.orch.Events()); err != nil {
			return err
		}
	} else {
		go printEvents(ctx, s.orch.Events())
	}

	status, err := s.orch.Wait(ctx, id)
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		fmt.Println()
		warnColor.Printf("Interrupted. Continue with: muster resume %s\n", id)
		return nil
	}
	if err != nil {
		printWorkflowSummary(s, id)
		return err
	}

	printWorkflowSummary(s, id)
	if status == models.WorkflowStatusFailed {
		return fmt.Errorf("workflow %s failed", id)
	}
	return nil
}

// printEvents renders orchestrator events as plain colored lines.
func printEvents(ctx context.Context, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case orchestrator.EventStepStarted:
				fmt.Printf("  → %s on %s\n", ev.StepID, ev.AgentID)
			case orchestrator.EventStepCompleted:
				successColor.Printf("  ✓ %s (%s)\n", ev.StepID, formatDuration(ev.Duration))
			case orchestrator.EventStepFailed:
				errorColor.Printf("  ✗ %s: %s\n", ev.StepID, ev.Reason)
			case orchestrator.EventStepSkipped:
				warnColor.Printf("  - %s skipped: %s\n", ev.StepID, ev.Reason)
			case orchestrator.EventCheckpointFailed:
				errorColor.Printf("  ! checkpoint write failed for %s\n", ev.WorkflowID)
			}
		}
	}
}
