package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "muster",
	Short: "Agent pool workflow orchestrator",
	Long: `Muster runs workflows of dependent steps across a pool of agents.

Workflows are YAML files describing steps, their dependencies, and the
capabilities an agent needs to run them. The orchestrator schedules
ready steps concurrently, routes each one to an eligible agent, and
checkpoints every transition so an interrupted workflow resumes exactly
where it left off.

Agents join the pool through the coordination layer: in-process for
single-machine runs, or over Redis when workers run as separate
processes ('muster worker').`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (overrides XDG and project config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
