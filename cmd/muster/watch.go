package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/musterlabs/muster/internal/orchestrator"
	"github.com/musterlabs/muster/internal/workflow"
)

var watchPool int

// watchSettle is how long a changed file must stay quiet before it is
// submitted, so partially written files are not parsed.
const watchSettle = 300 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Watch a directory and run workflows dropped into it",
	Long: `Watch a directory for workflow YAML files and submit each new or
changed file as a workflow.

A file that parses but was already submitted (same workflow id) is
ignored. The command runs until interrupted; interrupted workflows
stay resumable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchDir(args[0])
	},
}

func init() {
	watchCmd.Flags().IntVar(&watchPool, "pool", 2, "In-process workers to start in memory mode")
}

func watchDir(dir string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := buildStack(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	if s.cfg.Coordinator.Mode == "memory" {
		stop := startLocalPool(ctx, s, watchPool)
		defer stop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go printEvents(ctx, s.orch.Events())
	fmt.Printf("Watching %s for workflow files\n", dir)

	// Per-path debounce timers; editors fire several events per save.
	var mu sync.Mutex
	pending := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping; unfinished workflows can be resumed.")
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", zap.Error(err))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if !isWorkflowFile(ev.Name) {
				continue
			}
			path := ev.Name
			mu.Lock()
			if t, exists := pending[path]; exists {
				t.Reset(watchSettle)
			} else {
				pending[path] = time.AfterFunc(watchSettle, func() {
					mu.Lock()
					delete(pending, path)
					mu.Unlock()
					submitFile(ctx, s, path)
				})
			}
			mu.Unlock()
		}
	}
}

func isWorkflowFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// submitFile parses and submits one workflow file, logging instead of
// failing the watch loop on bad input.
func submitFile(ctx context.Context, s *stack, path string) {
	w, err := workflow.Load(path)
	if err != nil {
		errorColor.Printf("  ! %s: %v\n", filepath.Base(path), err)
		return
	}
	id, err := s.orch.Submit(ctx, w)
	if err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowExists) || errors.Is(err, orchestrator.ErrWorkflowActive) {
			return
		}
		errorColor.Printf("  ! %s: %v\n", filepath.Base(path), err)
		return
	}
	fmt.Printf("Submitted workflow %s from %s\n", id, filepath.Base(path))
	watchControlTopic(ctx, s, id)
}
