package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/musterlabs/muster/internal/checkpoint"
)

var statusHistory bool

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflow status",
	Long: `Show workflow status from the checkpoint store.

Without arguments, lists every known workflow by its latest checkpoint.
With a workflow id, shows the per-step state of that workflow;
--history additionally lists its checkpoint records.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openCheckpoints(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if len(args) == 0 {
			return displayWorkflows(db)
		}
		return displayWorkflow(db, args[0])
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "List the workflow's checkpoint records")
}

func displayWorkflows(db *checkpoint.DB) error {
	summaries, err := db.Workflows()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No workflows. Run 'muster run <workflow.yaml>' to start one.")
		return nil
	}

	headerColor.Printf("%-20s %-12s %-6s %s\n", "WORKFLOW", "STATUS", "SEQ", "CHECKPOINTED")
	for _, s := range summaries {
		fmt.Printf("%-20s ", s.WorkflowID)
		statusColor(string(s.Status)).Printf("%-12s", s.Status)
		fmt.Printf(" %-6d %s\n", s.Seq, timeAgo(s.CheckpointedAt))
	}
	return nil
}

func displayWorkflow(db *checkpoint.DB, id string) error {
	rec, err := db.Latest(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no checkpoints for workflow %s", id)
	}
	w, err := rec.Workflow()
	if err != nil {
		return err
	}

	headerColor.Printf("Workflow %s", w.ID)
	if w.Name != "" && w.Name != w.ID {
		fmt.Printf(" (%s)", w.Name)
	}
	fmt.Print(": ")
	statusColor(string(w.Status)).Printf("%s\n", w.Status)
	fmt.Printf("Checkpoint seq %d, written %s\n\n", rec.Seq, timeAgo(rec.CreatedAt))

	headerColor.Printf("%-24s %-10s %-14s %-10s %s\n", "STEP", "STATUS", "AGENT", "DURATION", "REASON")
	for _, step := range w.Steps {
		fmt.Printf("%-24s ", step.ID)
		statusColor(string(step.Status)).Printf("%-10s", step.Status)
		duration := ""
		if step.Result != nil && step.Result.Duration > 0 {
			duration = formatDuration(step.Result.Duration)
		}
		fmt.Printf(" %-14s %-10s %s\n", step.AssignedTo, duration, step.FailureReason)
	}

	if statusHistory {
		history, err := db.History(id)
		if err != nil {
			return err
		}
		fmt.Println()
		headerColor.Printf("%-6s %-12s %s\n", "SEQ", "STATUS", "WRITTEN")
		for _, h := range history {
			fmt.Printf("%-6d ", h.Seq)
			statusColor(string(h.Status)).Printf("%-12s", h.Status)
			fmt.Printf(" %s\n", h.CreatedAt.Local().Format(time.RFC3339))
		}
	}
	return nil
}
