package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Executor      ExecutorConfig      `toml:"executor"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
	Merge         MergeConfig         `toml:"merge"`
	Maintenance   MaintenanceConfig   `toml:"maintenance"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot   string `toml:"project_root"`
	WorktreeDir   string `toml:"worktree_dir"`
	MaxConcurrent int    `toml:"max_concurrent"`
	DatabasePath  string `toml:"database_path"`
	BaseBranch    string `toml:"base_branch"`
}

// ExecutorConfig controls how task agents are launched
type ExecutorConfig struct {
	Agent       string   `toml:"agent"`
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	Model       string   `toml:"model"`
	TaskTimeout string   `toml:"task_timeout"`
	GracePeriod string   `toml:"grace_period"`
	MaxAttempts int      `toml:"max_attempts"`
	LogDir      string   `toml:"log_dir"`
}

// TelemetryConfig controls sampling and buffering
type TelemetryConfig struct {
	SampleInterval   string `toml:"sample_interval"`
	LogBuffer        int    `toml:"log_buffer"`
	GitBuffer        int    `toml:"git_buffer"`
	SubscriberBuffer int    `toml:"subscriber_buffer"`
	TraceFile        string `toml:"trace_file"`
}

// MergeConfig selects the conflict-resolution policy
type MergeConfig struct {
	Resolver  string `toml:"resolver"`
	LLMModel  string `toml:"llm_model"`
	APIKey    string `toml:"api_key"`
	MaxTokens int    `toml:"max_tokens"`
}

// MaintenanceConfig holds scheduled housekeeping settings
type MaintenanceConfig struct {
	CleanupCron string `toml:"cleanup_cron"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ProjectRoot:   "",
			WorktreeDir:   filepath.Join(home, ".worktree-orch", "worktrees"),
			MaxConcurrent: 3,
			DatabasePath:  filepath.Join(home, ".worktree-orch", "orchestrator.db"),
			BaseBranch:    "main",
		},
		Executor: ExecutorConfig{
			Agent:       "process",
			Command:     "claude",
			Args:        []string{"--print", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
			Model:       "claude-sonnet-4-20250514",
			TaskTimeout: "1h",
			GracePeriod: "10s",
			MaxAttempts: 1,
			LogDir:      filepath.Join(home, ".worktree-orch", "logs"),
		},
		Telemetry: TelemetryConfig{
			SampleInterval:   "2s",
			LogBuffer:        200,
			GitBuffer:        50,
			SubscriberBuffer: 64,
		},
		Merge: MergeConfig{
			Resolver:  "abort",
			LLMModel:  "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Maintenance: MaintenanceConfig{
			CleanupCron: "*/30 * * * *",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.ExpandPaths()
	return cfg, nil
}

// Save writes the configuration as TOML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPaths expands ~ in every path setting
func (c *Config) ExpandPaths() {
	c.General.ProjectRoot = ExpandPath(c.General.ProjectRoot)
	c.General.WorktreeDir = ExpandPath(c.General.WorktreeDir)
	c.General.DatabasePath = ExpandPath(c.General.DatabasePath)
	c.Executor.LogDir = ExpandPath(c.Executor.LogDir)
	c.Telemetry.TraceFile = ExpandPath(c.Telemetry.TraceFile)
}

// Validate checks values that would otherwise fail late at run time.
func (c *Config) Validate() error {
	var errs []error
	if c.General.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("general.max_concurrent must be at least 1, got %d", c.General.MaxConcurrent))
	}
	for name, v := range map[string]string{
		"executor.task_timeout":     c.Executor.TaskTimeout,
		"executor.grace_period":     c.Executor.GracePeriod,
		"telemetry.sample_interval": c.Telemetry.SampleInterval,
	} {
		if _, err := parseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, name := range strings.Split(c.Merge.Resolver, ",") {
		switch strings.TrimSpace(name) {
		case "abort", "ours", "theirs", "union", "llm":
		default:
			errs = append(errs, fmt.Errorf("merge.resolver: unknown policy %q", name))
		}
	}
	if c.Maintenance.CleanupCron != "" {
		if _, err := cron.ParseStandard(c.Maintenance.CleanupCron); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.cleanup_cron: %w", err))
		}
	}
	switch c.Executor.Agent {
	case "process", "script":
	default:
		errs = append(errs, fmt.Errorf("executor.agent: unknown kind %q", c.Executor.Agent))
	}
	return errors.Join(errs...)
}

// TaskTimeout returns the default per-task deadline, zero meaning none.
func (c *Config) TaskTimeout() time.Duration {
	d, _ := parseDuration(c.Executor.TaskTimeout)
	return d
}

// GracePeriod returns how long cancelled tasks get before being killed.
func (c *Config) GracePeriod() time.Duration {
	d, _ := parseDuration(c.Executor.GracePeriod)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// SampleInterval returns the telemetry sampling period.
func (c *Config) SampleInterval() time.Duration {
	d, _ := parseDuration(c.Telemetry.SampleInterval)
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "worktree-orch", "config.toml")
}
