package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old checkpoints of finished workflows",
	Long: `Remove checkpoint records of workflows that finished longer ago than
the retention window. Running and interrupted workflows are never
pruned, so anything resumable stays resumable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		retention := cfg.Checkpoint.Retention
		if pruneOlderThan > 0 {
			retention = pruneOlderThan
		}

		db, err := openCheckpoints(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		removed, err := db.Prune(retention)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d checkpoint records older than %s\n", removed, retention)
		return nil
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Override the configured retention window")
}
