// Package config handles configuration loading for crewkit.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ReworkPriority controls where rework re-runs land in the dispatch queue.
type ReworkPriority string

const (
	// ReworkFront dispatches rework tasks before waiting first-run tasks.
	ReworkFront ReworkPriority = "front"
	// ReworkFIFO dispatches rework tasks strictly by creation time.
	ReworkFIFO ReworkPriority = "fifo"
)

// Config holds all configuration for a crew run.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Crew      CrewConfig      `mapstructure:"crew"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Roles     []RoleConfig    `mapstructure:"roles"`
}

// AnthropicConfig holds completion provider settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	// Model is the default completion model; roles may override it.
	Model string `mapstructure:"model"`
	// UseBedrock routes completion calls through AWS Bedrock instead of
	// the direct API.
	UseBedrock bool `mapstructure:"use_bedrock"`
}

// BudgetConfig holds the shared consumption budget settings.
type BudgetConfig struct {
	// Total is the run-wide token allowance. Zero means unlimited.
	Total int64 `mapstructure:"total"`
	// BaseEstimate is the per-task reservation before role weighting.
	BaseEstimate int64 `mapstructure:"base_estimate"`
	// WarningThreshold is the consumed fraction that triggers a warning event.
	WarningThreshold float64 `mapstructure:"warning_threshold"`
}

// CrewConfig holds coordinator and pool behavior settings.
type CrewConfig struct {
	// MaxWorkers is the global ceiling on concurrent workers across roles.
	MaxWorkers int `mapstructure:"max_workers"`
	// MaxRework bounds review-driven re-execution per task.
	MaxRework int `mapstructure:"max_rework"`
	// MaxIterations bounds coordinator loop iterations as a runaway stop.
	MaxIterations int `mapstructure:"max_iterations"`
	// AutoReview inserts implicit review tasks for roles that request them.
	AutoReview bool `mapstructure:"auto_review"`
	// ReworkPriority is "front" or "fifo".
	ReworkPriority ReworkPriority `mapstructure:"rework_priority"`
	// DebugLog is the path for the run's debug log; empty disables it.
	DebugLog string `mapstructure:"debug_log"`
	// SignalDir is watched for stop/pause signal files; empty disables it.
	SignalDir string `mapstructure:"signal_dir"`
}

// TimeoutsConfig holds the run's timing knobs.
type TimeoutsConfig struct {
	// Run caps the whole run's wall-clock time.
	Run time.Duration `mapstructure:"run"`
	// Worker caps a single task execution.
	Worker time.Duration `mapstructure:"worker"`
	// Message is how long the coordinator blocks draining the bus.
	Message time.Duration `mapstructure:"message"`
}

// RoleConfig is a role definition as it appears in YAML.
type RoleConfig struct {
	Name           string   `mapstructure:"name" yaml:"name"`
	Description    string   `mapstructure:"description" yaml:"description"`
	Instructions   string   `mapstructure:"instructions" yaml:"instructions"`
	Mode           string   `mapstructure:"mode" yaml:"mode"`
	AllowedTools   []string `mapstructure:"allowed_tools" yaml:"allowed_tools"`
	MaxParallel    int      `mapstructure:"max_parallel" yaml:"max_parallel"`
	ModelOverride  string   `mapstructure:"model_override" yaml:"model_override"`
	BudgetWeight   float64  `mapstructure:"budget_weight" yaml:"budget_weight"`
	AutoReview     bool     `mapstructure:"auto_review" yaml:"auto_review"`
	RetryTransient bool     `mapstructure:"retry_transient" yaml:"retry_transient"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.crewkit.yaml in current directory or parent)
// 3. User config (~/.config/crewkit/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

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

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
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
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with built-in defaults and the default roles.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		Budget: BudgetConfig{
			Total:            100000,
			BaseEstimate:     2000,
			WarningThreshold: 0.8,
		},
		Crew: CrewConfig{
			MaxWorkers:     8,
			MaxRework:      2,
			MaxIterations:  500,
			AutoReview:     true,
			ReworkPriority: ReworkFront,
		},
		Timeouts: TimeoutsConfig{
			Run:     30 * time.Minute,
			Worker:  10 * time.Minute,
			Message: 250 * time.Millisecond,
		},
	}
}

func (c *Config) validate() error {
	if c.Budget.BaseEstimate <= 0 {
		return fmt.Errorf("budget.base_estimate must be positive, got %d", c.Budget.BaseEstimate)
	}
	if c.Crew.MaxWorkers <= 0 {
		return fmt.Errorf("crew.max_workers must be positive, got %d", c.Crew.MaxWorkers)
	}
	if c.Crew.MaxRework < 0 {
		return fmt.Errorf("crew.max_rework must not be negative, got %d", c.Crew.MaxRework)
	}
	switch c.Crew.ReworkPriority {
	case ReworkFront, ReworkFIFO, "":
	default:
		return fmt.Errorf("crew.rework_priority must be front or fifo, got %q", c.Crew.ReworkPriority)
	}
	return nil
}

// setDefaults configures built-in default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("budget.total", 100000)
	v.SetDefault("budget.base_estimate", 2000)
	v.SetDefault("budget.warning_threshold", 0.8)

	v.SetDefault("crew.max_workers", 8)
	v.SetDefault("crew.max_rework", 2)
	v.SetDefault("crew.max_iterations", 500)
	v.SetDefault("crew.auto_review", true)
	v.SetDefault("crew.rework_priority", "front")
	v.SetDefault("crew.debug_log", "")
	v.SetDefault("crew.signal_dir", "")

	v.SetDefault("timeouts.run", "30m")
	v.SetDefault("timeouts.worker", "10m")
	v.SetDefault("timeouts.message", "250ms")
}

// getUserConfigDir returns the XDG config directory for crewkit.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crewkit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "crewkit")
	}
	return filepath.Join(home, ".config", "crewkit")
}

// findProjectConfig searches for .crewkit.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".crewkit.yaml")
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

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}
