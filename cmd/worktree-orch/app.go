package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/worktree-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/worktree-orchestrator/internal/config"
	"github.com/hochfrequenz/worktree-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/executor"
	"github.com/hochfrequenz/worktree-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/worktree-orchestrator/internal/merge"
	"github.com/hochfrequenz/worktree-orchestrator/internal/notify"
	"github.com/hochfrequenz/worktree-orchestrator/internal/prompts"
	"github.com/hochfrequenz/worktree-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/worktree-orchestrator/internal/telemetry"
	"github.com/hochfrequenz/worktree-orchestrator/internal/tracing"
	"github.com/hochfrequenz/worktree-orchestrator/internal/workspace"
)

// app is the fully wired orchestrator for one process
type app struct {
	cfg        *config.Config
	store      *taskstore.Store
	repo       *gitrepo.Repo
	workspaces *workspace.Manager
	hub        *broadcast.Hub
	collector  *telemetry.Collector
	gitwatch   *telemetry.GitWatcher
	coord      *coordinator.Coordinator
	traced     bool
	cancel     context.CancelFunc
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return taskstore.New(cfg.General.DatabasePath)
}

func openApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.repo, err = gitrepo.Open(cfg.General.ProjectRoot); err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", cfg.General.ProjectRoot, err)
	}
	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if a.workspaces, err = workspace.NewManager(ctx, a.repo, cfg.General.WorktreeDir, a.store); err != nil {
		return nil, err
	}

	a.hub = broadcast.NewHub(cfg.Telemetry.SubscriberBuffer)
	a.collector = telemetry.NewCollector(telemetry.Options{
		Interval:    cfg.SampleInterval(),
		LogCapacity: cfg.Telemetry.LogBuffer,
		GitCapacity: cfg.Telemetry.GitBuffer,
		Sampler:     telemetry.NewProcessSampler(),
		Publisher:   a.hub,
	})
	if a.gitwatch, err = telemetry.NewGitWatcher(a.collector.RecordGitActivity); err != nil {
		return nil, fmt.Errorf("starting git watcher: %w", err)
	}

	resolver, err := merge.NewResolver(merge.ResolverConfig{
		Name:      cfg.Merge.Resolver,
		Model:     cfg.Merge.LLMModel,
		APIKey:    cfg.Merge.APIKey,
		MaxTokens: cfg.Merge.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	if strings.Contains(cfg.Merge.Resolver, "llm") && cfg.Merge.APIKey == "" {
		log.Printf("[merge] llm resolver configured without an API key; set ANTHROPIC_API_KEY")
	}

	agents := map[domain.AgentKind]executor.Agent{
		domain.AgentProcess: &executor.ProcessAgent{
			Command:     cfg.Executor.Command,
			Args:        cfg.Executor.Args,
			Model:       cfg.Executor.Model,
			GracePeriod: cfg.GracePeriod(),
			LogDir:      cfg.Executor.LogDir,
			Prompts:     prompts.DefaultLoader(cfg.General.ProjectRoot),
		},
		domain.AgentScript: &executor.ScriptAgent{
			GracePeriod: cfg.GracePeriod(),
			LogDir:      cfg.Executor.LogDir,
		},
	}

	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	if cfg.Telemetry.TraceFile != "" {
		if err := tracing.Init("worktree-orch", version, cfg.Telemetry.TraceFile); err != nil {
			return nil, fmt.Errorf("initialising tracing: %w", err)
		}
		a.traced = true
	}

	a.coord = coordinator.New(coordinator.Deps{
		Store:      a.store,
		Repo:       a.repo,
		Workspaces: a.workspaces,
		Executor:   executor.New(a.repo, agents),
		Merger:     merge.NewEngine(a.repo, a.workspaces, resolver),
		Telemetry:  a.collector,
		GitWatcher: a.gitwatch,
		Status:     a.hub,
		Notifier:   notify.NewMultiNotifier(notifiers...),
	}, coordinator.Config{
		Concurrency: cfg.General.MaxConcurrent,
		Defaults: domain.TaskSpec{
			Agent:       domain.AgentKind(cfg.Executor.Agent),
			Timeout:     cfg.Executor.TaskTimeout,
			MaxAttempts: cfg.Executor.MaxAttempts,
		},
	})
	return a, nil
}

// start launches the sampling and reflog-watching loops.
func (a *app) start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.collector.Run(ctx)
	a.gitwatch.Start(ctx)
}

// Close winds down live runs and releases every resource. Runs get the
// agent grace period plus a margin to record their final state.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.GracePeriod()+30*time.Second)
	defer cancel()
	if a.coord != nil {
		if err := a.coord.Shutdown(ctx); err != nil {
			log.Printf("[coordinator] shutdown: %v", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.gitwatch != nil {
		a.gitwatch.Stop()
	}
	if a.traced {
		tracing.Shutdown(ctx)
	}
	if a.store != nil {
		a.store.Close()
	}
}

// resolveRunID expands a unique id prefix, as printed by 'runs', to the full id.
func resolveRunID(ctx context.Context, store *taskstore.Store, arg string) (string, error) {
	if _, err := store.GetRun(ctx, arg); err == nil {
		return arg, nil
	}
	runs, err := store.ListRuns(ctx, taskstore.RunFilter{})
	if err != nil {
		return "", err
	}
	var match string
	for _, r := range runs {
		if strings.HasPrefix(r.ID, arg) {
			if match != "" {
				return "", fmt.Errorf("run id %q is ambiguous", arg)
			}
			match = r.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("run %s: %w", arg, domain.ErrNotFound)
	}
	return match, nil
}

// expandRunID resolves a prefix against the local store when it is
// reachable and falls back to the argument as given.
func expandRunID(ctx context.Context, cfg *config.Config, arg string) string {
	store, err := openStore(cfg)
	if err != nil {
		return arg
	}
	defer store.Close()
	if id, err := resolveRunID(ctx, store, arg); err == nil {
		return id
	}
	return arg
}
