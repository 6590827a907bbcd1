// Package config handles configuration loading for muster. It supports
// XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/internal/coord"
	"github.com/musterlabs/muster/internal/logging"
	"github.com/musterlabs/muster/internal/orchestrator"
	"github.com/musterlabs/muster/internal/router"
	"github.com/musterlabs/muster/pkg/models"
)

// Config holds all configuration for muster.
type Config struct {
	Coordinator  CoordinatorConfig  `mapstructure:"coordinator"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Router       RouterConfig       `mapstructure:"router"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Logging      logging.Config     `mapstructure:"logging"`
}

// CoordinatorConfig selects the coordination store and its timing.
type CoordinatorConfig struct {
	// Mode is memory (single process) or redis (shared pool).
	Mode string `mapstructure:"mode"`
	// RedisAddr is the host:port of the Redis store in redis mode.
	RedisAddr string `mapstructure:"redis_addr"`
	// RedisPassword authenticates against the store, if set.
	RedisPassword string `mapstructure:"redis_password"`
	// RedisDB selects the Redis database number.
	RedisDB int `mapstructure:"redis_db"`
	// HeartbeatInterval is the cadence agents heartbeat at.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// LivenessMultiplier sets the liveness window as a multiple of the
	// heartbeat interval.
	LivenessMultiplier int `mapstructure:"liveness_multiplier"`
	// ClaimTTL bounds how long a task claim survives without release.
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	HalfOpenTrials   int           `mapstructure:"half_open_trials"`
}

// RouterConfig holds the routing affinity parameters.
type RouterConfig struct {
	AffinityWidth float64 `mapstructure:"affinity_width"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
}

// OrchestratorConfig holds the scheduling loop parameters.
type OrchestratorConfig struct {
	MaxConcurrentSteps int           `mapstructure:"max_concurrent_steps"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	CancelGrace        time.Duration `mapstructure:"cancel_grace"`
}

// CheckpointConfig locates the checkpoint store.
type CheckpointConfig struct {
	// Path is the SQLite database file. Empty selects the global
	// XDG data path.
	Path string `mapstructure:"path"`
	// Retention is how long terminal workflows keep their checkpoints
	// before prune removes them.
	Retention time.Duration `mapstructure:"retention"`
}

// WorkerConfig describes this process's agent identity when running as
// a pool worker.
type WorkerConfig struct {
	// ID is the agent identifier. Empty generates one at startup.
	ID string `mapstructure:"id"`
	// Capabilities lists the tags the worker declares.
	Capabilities []string `mapstructure:"capabilities"`
	// Band is the complexity band the worker is reserved for.
	Band string `mapstructure:"band"`
	// Concurrency bounds how many tasks run at once.
	Concurrency int `mapstructure:"concurrency"`
	// Command, when set, is the executable the built-in runner invokes
	// per task. The task payload arrives on stdin.
	Command []string `mapstructure:"command"`
}

// CoordConfig converts to the coordination layer's config type.
func (c CoordinatorConfig) CoordConfig() coord.Config {
	return coord.Config{
		HeartbeatInterval:  c.HeartbeatInterval,
		LivenessMultiplier: c.LivenessMultiplier,
		ClaimTTL:           c.ClaimTTL,
	}
}

// BreakerRegistryConfig converts to the breaker package's config type.
func (c BreakerConfig) BreakerRegistryConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		Window:           c.Window,
		Cooldown:         c.Cooldown,
		HalfOpenTrials:   c.HalfOpenTrials,
	}
}

// RouterPkgConfig converts to the router package's config type.
func (c RouterConfig) RouterPkgConfig() router.Config {
	return router.Config{
		AffinityWidth: c.AffinityWidth,
		MaxAttempts:   c.MaxAttempts,
	}
}

// OrchestratorPkgConfig converts to the orchestrator package's config type.
func (c OrchestratorConfig) OrchestratorPkgConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxConcurrentSteps: c.MaxConcurrentSteps,
		DefaultStepTimeout: c.DefaultStepTimeout,
		CancelGrace:        c.CancelGrace,
	}
}

// BandValue returns the worker's declared band, defaulting to standard.
func (c WorkerConfig) BandValue() models.Band {
	b := models.Band(c.Band)
	if !b.Valid() {
		return models.BandStandard
	}
	return b
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	switch c.Coordinator.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("coordinator.mode must be memory or redis, got %q", c.Coordinator.Mode)
	}
	if c.Coordinator.Mode == "redis" && c.Coordinator.RedisAddr == "" {
		return fmt.Errorf("coordinator.redis_addr is required in redis mode")
	}
	if c.Worker.Band != "" && !models.Band(c.Worker.Band).Valid() {
		return fmt.Errorf("worker.band must be light, standard, or heavy, got %q", c.Worker.Band)
	}
	if c.Router.AffinityWidth < 0 {
		return fmt.Errorf("router.affinity_width must be positive, got %v", c.Router.AffinityWidth)
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (MUSTER_*)
// 2. Project config (.muster/config.yaml in current directory or parent)
// 3. User config (~/.config/muster/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("MUSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if
// it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("coordinator.mode", "memory")
	v.SetDefault("coordinator.redis_addr", "")
	v.SetDefault("coordinator.redis_db", 0)
	v.SetDefault("coordinator.heartbeat_interval", "5s")
	v.SetDefault("coordinator.liveness_multiplier", 3)
	v.SetDefault("coordinator.claim_ttl", "60s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window", "60s")
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("breaker.half_open_trials", 2)

	v.SetDefault("router.affinity_width", 0.25)
	v.SetDefault("router.max_attempts", 5)

	v.SetDefault("orchestrator.max_concurrent_steps", 4)
	v.SetDefault("orchestrator.default_step_timeout", "5m")
	v.SetDefault("orchestrator.cancel_grace", "3s")

	v.SetDefault("checkpoint.path", "")
	v.SetDefault("checkpoint.retention", "168h")

	v.SetDefault("worker.band", "standard")
	v.SetDefault("worker.concurrency", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
}

// getUserConfigDir returns the XDG config directory for muster.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "muster")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "muster")
	}
	return filepath.Join(home, ".config", "muster")
}

// findProjectConfig searches for .muster/config.yaml in the current
// directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".muster", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Mode:               "memory",
			HeartbeatInterval:  5 * time.Second,
			LivenessMultiplier: 3,
			ClaimTTL:           60 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           60 * time.Second,
			Cooldown:         30 * time.Second,
			HalfOpenTrials:   2,
		},
		Router: RouterConfig{
			AffinityWidth: 0.25,
			MaxAttempts:   5,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentSteps: 4,
			DefaultStepTimeout: 5 * time.Minute,
			CancelGrace:        3 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Retention: 168 * time.Hour,
		},
		Worker: WorkerConfig{
			Band:        "standard",
			Concurrency: 1,
		},
		Logging: logging.DefaultConfig(),
	}
}
