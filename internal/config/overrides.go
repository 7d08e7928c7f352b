package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// WORKTREE_ORCH_GENERAL_MAX_CONCURRENT=4.
const EnvPrefix = "WORKTREE_ORCH"

// NewViper returns a viper instance resolving section.key names against the
// environment. Flags bound to it with BindPFlag take precedence.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The Anthropic SDK convention works too.
	v.BindEnv("merge.api_key", EnvPrefix+"_MERGE_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

// ApplyOverrides copies every value explicitly set in v over the file
// configuration. Unset keys and unchanged flags leave c alone.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("general.project_root", &c.General.ProjectRoot)
	str("general.worktree_dir", &c.General.WorktreeDir)
	num("general.max_concurrent", &c.General.MaxConcurrent)
	str("general.database_path", &c.General.DatabasePath)
	str("general.base_branch", &c.General.BaseBranch)

	str("executor.agent", &c.Executor.Agent)
	str("executor.command", &c.Executor.Command)
	str("executor.model", &c.Executor.Model)
	str("executor.task_timeout", &c.Executor.TaskTimeout)
	str("executor.grace_period", &c.Executor.GracePeriod)
	num("executor.max_attempts", &c.Executor.MaxAttempts)
	str("executor.log_dir", &c.Executor.LogDir)

	str("telemetry.sample_interval", &c.Telemetry.SampleInterval)
	num("telemetry.subscriber_buffer", &c.Telemetry.SubscriberBuffer)
	str("telemetry.trace_file", &c.Telemetry.TraceFile)

	str("merge.resolver", &c.Merge.Resolver)
	str("merge.llm_model", &c.Merge.LLMModel)
	str("merge.api_key", &c.Merge.APIKey)
	num("merge.max_tokens", &c.Merge.MaxTokens)

	str("maintenance.cleanup_cron", &c.Maintenance.CleanupCron)

	flag("notifications.desktop", &c.Notifications.Desktop)
	str("notifications.slack_webhook", &c.Notifications.SlackWebhook)

	str("web.host", &c.Web.Host)
	num("web.port", &c.Web.Port)

	c.ExpandPaths()
}
