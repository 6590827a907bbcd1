package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/musterlabs/muster/pkg/models"
)

var (
	resumeFollow bool
	resumeInline bool
	resumePool   int
)

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume an interrupted workflow",
	Long: `Resume a workflow from its latest checkpoint.

Steps that already completed, failed, or were skipped keep their
recorded outcome; steps that were in flight when the run stopped are
executed again. Resuming a finished workflow just reports its status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resumeWorkflow(args[0])
	},
}

func init() {
	resumeCmd.Flags().BoolVarP(&resumeFollow, "follow", "f", false, "Follow progress in a live TUI")
	resumeCmd.Flags().BoolVar(&resumeInline, "inline", false, "Execute steps in-process, skipping dispatch")
	resumeCmd.Flags().IntVar(&resumePool, "pool", 2, "In-process workers to start in memory mode")
}

func resumeWorkflow(id string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := buildStack(ctx, resumeInline)
	if err != nil {
		return err
	}
	defer s.close()

	if resumeInline {
		if _, err := registerInlineAgent(ctx, s); err != nil {
			return err
		}
	} else if s.cfg.Coordinator.Mode == "memory" {
		stop := startLocalPool(ctx, s, resumePool)
		defer stop()
	}

	status, err := s.orch.Resume(ctx, id)
	if err != nil {
		return err
	}
	if status != models.WorkflowStatusRunning {
		fmt.Print("Workflow already finished: ")
		statusColor(string(status)).Printf("%s\n", status)
		return nil
	}
	fmt.Printf("Resumed workflow %s\n", id)
	watchControlTopic(ctx, s, id)

	return awaitWorkflow(ctx, s, id, resumeFollow)
}
