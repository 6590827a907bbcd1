package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/musterlabs/muster/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show resolved configuration",
	Long: `Show the configuration muster resolved from defaults, the user
config, the project config, and MUSTER_* environment variables.

Without arguments, displays every value. With a dot-notation key
(e.g. coordinator.mode), displays just that value.

User config lives at ~/.config/muster/config.yaml; a project can
override it with .muster/config.yaml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			displayAllConfig(cfg)
			return nil
		}
		return displayConfigKey(cfg, args[0])
	},
}

// displayAllConfig prints every configuration value.
func displayAllConfig(cfg *config.Config) {
	for _, kv := range configEntries(cfg) {
		fmt.Printf("%s: %s\n", kv[0], kv[1])
	}

	if project := config.GetProjectConfigPath(); project != "" {
		fmt.Printf("\n# project overrides: %s\n", project)
	}
}

// displayConfigKey prints one value by dot-notation key.
func displayConfigKey(cfg *config.Config, key string) error {
	for _, kv := range configEntries(cfg) {
		if kv[0] == key {
			fmt.Println(kv[1])
			return nil
		}
	}
	return fmt.Errorf("unknown config key %q", key)
}

// configEntries flattens the config into ordered key/value pairs.
func configEntries(cfg *config.Config) [][2]string {
	password := "(not set)"
	if cfg.Coordinator.RedisPassword != "" {
		password = "****"
	}
	checkpointPath := cfg.Checkpoint.Path
	if checkpointPath == "" {
		checkpointPath = checkpointPathDisplay()
	}

	return [][2]string{
		{"coordinator.mode", cfg.Coordinator.Mode},
		{"coordinator.redis_addr", cfg.Coordinator.RedisAddr},
		{"coordinator.redis_password", password},
		{"coordinator.redis_db", fmt.Sprintf("%d", cfg.Coordinator.RedisDB)},
		{"coordinator.heartbeat_interval", cfg.Coordinator.HeartbeatInterval.String()},
		{"coordinator.liveness_multiplier", fmt.Sprintf("%d", cfg.Coordinator.LivenessMultiplier)},
		{"coordinator.claim_ttl", cfg.Coordinator.ClaimTTL.String()},
		{"breaker.failure_threshold", fmt.Sprintf("%d", cfg.Breaker.FailureThreshold)},
		{"breaker.window", cfg.Breaker.Window.String()},
		{"breaker.cooldown", cfg.Breaker.Cooldown.String()},
		{"breaker.half_open_trials", fmt.Sprintf("%d", cfg.Breaker.HalfOpenTrials)},
		{"router.affinity_width", fmt.Sprintf("%g", cfg.Router.AffinityWidth)},
		{"router.max_attempts", fmt.Sprintf("%d", cfg.Router.MaxAttempts)},
		{"orchestrator.max_concurrent_steps", fmt.Sprintf("%d", cfg.Orchestrator.MaxConcurrentSteps)},
		{"orchestrator.default_step_timeout", cfg.Orchestrator.DefaultStepTimeout.String()},
		{"orchestrator.cancel_grace", cfg.Orchestrator.CancelGrace.String()},
		{"checkpoint.path", checkpointPath},
		{"checkpoint.retention", cfg.Checkpoint.Retention.String()},
		{"worker.id", cfg.Worker.ID},
		{"worker.capabilities", strings.Join(cfg.Worker.Capabilities, ",")},
		{"worker.band", cfg.Worker.Band},
		{"worker.concurrency", fmt.Sprintf("%d", cfg.Worker.Concurrency)},
		{"worker.command", strings.Join(cfg.Worker.Command, " ")},
		{"logging.level", cfg.Logging.Level},
		{"logging.format", cfg.Logging.Format},
		{"logging.output", cfg.Logging.Output},
	}
}

// checkpointPathDisplay shows where the default checkpoint database
// resolves from the current directory.
func checkpointPathDisplay() string {
	return checkpointPath(&config.Config{})
}
