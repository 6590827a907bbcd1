package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/musterlabs/muster/internal/coord"
)

var cancelWait time.Duration

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow",
	Long: `Cancel a workflow.

A cancel request is first published on the workflow's control topic so
a run active in another process can wind down its in-flight steps. If
no run picks the request up within the wait window, the workflow is
cancelled durably in the checkpoint store: remaining steps are marked
skipped and the workflow ends as cancelled.

Cancelling an already finished workflow is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cancelWorkflow(args[0])
	},
}

func init() {
	cancelCmd.Flags().DurationVar(&cancelWait, "wait", 5*time.Second, "How long to wait for an active run to stop")
}

func cancelWorkflow(id string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := buildStack(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	// The workflow must exist before we bother the pool.
	if _, err := s.orch.Status(id); err != nil {
		return err
	}

	if err := s.coordinator.Publish(ctx, coord.ControlTopic(id), []byte("cancel")); err != nil {
		s.log.Warn("control topic publish failed; cancelling durably")
	}

	deadline := time.Now().Add(cancelWait)
	for time.Now().Before(deadline) {
		status, err := s.orch.Status(id)
		if err != nil {
			return err
		}
		if status.Terminal() {
			fmt.Print("Workflow ", id, ": ")
			statusColor(string(status)).Printf("%s\n", status)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	// Nothing picked the request up; cancel from the checkpoint side.
	if err := s.orch.Cancel(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Workflow %s cancelled\n", id)
	return nil
}
