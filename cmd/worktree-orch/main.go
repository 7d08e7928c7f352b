package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/worktree-orchestrator/internal/config"
	"github.com/hochfrequenz/worktree-orchestrator/internal/output"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	verbose    bool
)

var (
	v  = config.NewViper()
	ui = output.New()
)

var rootCmd = &cobra.Command{
	Use:   "worktree-orch",
	Short: "Run coding agents in parallel git worktrees and merge their work",
	Long: `worktree-orch runs a batch of agent tasks, each in its own git worktree on
its own branch, with bounded concurrency. When the tasks finish their
branches are merged in order into a fresh integration branch.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Verbose = verbose
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file path (default ~/.config/worktree-orch/config.toml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.String("project", "", "repository to orchestrate (default: current directory)")
	pf.String("db", "", "state database path")
	pf.String("worktree-dir", "", "directory workspaces are created in")
	pf.String("server", "", "address of a running 'worktree-orch serve' (default from [web])")

	v.BindPFlag("general.project_root", pf.Lookup("project"))
	v.BindPFlag("general.database_path", pf.Lookup("db"))
	v.BindPFlag("general.worktree_dir", pf.Lookup("worktree-dir"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.ApplyOverrides(v)
	if cfg.General.ProjectRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.General.ProjectRoot = cwd
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
