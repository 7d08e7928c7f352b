package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/worktree-orchestrator/internal/config"
	"github.com/hochfrequenz/worktree-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/output"
)

// runOptions are the run command's flags
type runOptions struct {
	SpecFile    string
	Tasks       []string
	Base        string
	Integration string
	Concurrency int
	Agent       string
	Timeout     string
	Attempts    int
	Remote      bool
	Wait        bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a run from a spec file or inline tasks",
	Long: `Start a run. Tasks come from a YAML spec (-f) and/or --task flags.

Without --remote the run executes in this process and the command returns
when the merge phase is done. Ctrl-C cancels the run.`,
	Example: `  worktree-orch run -f tasks.yaml
  worktree-orch run --task feature/login="add a login page" --task feature/docs="document the API"
  worktree-orch run -f tasks.yaml --remote --wait`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.SpecFile, "file", "f", "", "YAML run spec")
	f.StringArrayVarP(&runOpts.Tasks, "task", "t", nil, "inline task as branch=prompt (repeatable)")
	f.StringVar(&runOpts.Base, "base", "", "base branch (default from config)")
	f.StringVar(&runOpts.Integration, "integration", "", "integration branch (default integration/<run-id>)")
	f.IntVarP(&runOpts.Concurrency, "concurrency", "c", 0, "maximum tasks running at once (default from config)")
	f.StringVar(&runOpts.Agent, "agent", "", "agent kind for inline tasks (process, script)")
	f.StringVar(&runOpts.Timeout, "timeout", "", "deadline for inline tasks, e.g. 45m")
	f.IntVar(&runOpts.Attempts, "attempts", 0, "maximum attempts for inline tasks")
	f.BoolVar(&runOpts.Remote, "remote", false, "submit the run to a 'serve' process instead")
	f.BoolVar(&runOpts.Wait, "wait", false, "with --remote, follow the run until it finishes")
	rootCmd.AddCommand(runCmd)
}

// spec assembles the run spec from the spec file and inline tasks.
func (o runOptions) spec(defaultBase string) (*domain.RunSpec, error) {
	spec := &domain.RunSpec{}
	if o.SpecFile != "" {
		var err error
		if spec, err = domain.LoadRunSpec(o.SpecFile); err != nil {
			return nil, err
		}
	}
	for _, raw := range o.Tasks {
		branch, prompt, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(prompt) == "" {
			return nil, fmt.Errorf("--task %q: expected branch=prompt", raw)
		}
		spec.Tasks = append(spec.Tasks, domain.TaskSpec{
			Branch:      strings.TrimSpace(branch),
			Prompt:      prompt,
			Agent:       domain.AgentKind(o.Agent),
			Timeout:     o.Timeout,
			MaxAttempts: o.Attempts,
		})
	}
	if o.Base != "" {
		spec.BaseBranch = o.Base
	}
	if spec.BaseBranch == "" {
		spec.BaseBranch = defaultBase
	}
	if o.Integration != "" {
		spec.IntegrationBranch = o.Integration
	}
	if o.Concurrency > 0 {
		spec.Concurrency = o.Concurrency
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run spec: %w", err)
	}
	return spec, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	spec, err := runOpts.spec(cfg.General.BaseBranch)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runOpts.Remote {
		return runOnServer(ctx, cfg, spec)
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.start(ctx)

	run, err := a.coord.Start(ctx, spec)
	if err != nil {
		return err
	}
	ui.Info("run %s: %d task(s) from %s into %s", output.ShortID(run.ID), len(spec.Tasks),
		run.BaseBranch, output.Cyan(run.IntegrationBranch))

	final, err := a.coord.Wait(ctx, run.ID)
	if ctx.Err() != nil {
		stop()
		ui.Warning("interrupted, cancelling run %s", output.ShortID(run.ID))
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod()+30*time.Second)
		defer cancel()
		if err := a.coord.Cancel(waitCtx, run.ID); err != nil {
			return err
		}
		final, err = a.coord.Wait(waitCtx, run.ID)
	}
	if err != nil {
		return err
	}

	view, err := a.coord.Status(context.Background(), final.ID)
	if err != nil {
		return err
	}
	if err := printRunView(view); err != nil {
		return err
	}
	return runOutcome(final)
}

func runOnServer(ctx context.Context, cfg *config.Config, spec *domain.RunSpec) error {
	r := newRemote(serverAddr(cfg))
	run, err := r.startRun(ctx, spec)
	if err != nil {
		return err
	}
	ui.Success("run %s submitted to %s", run.ID, r.base)
	if !runOpts.Wait {
		ui.Info("follow it with: worktree-orch watch %s", output.ShortID(run.ID))
		return nil
	}

	final, err := follow(ctx, r.streamURL(run.ID))
	if err != nil {
		return err
	}
	if final == nil || !final.Status.IsTerminal() {
		ui.Warning("stopped following; run %s continues on the server", output.ShortID(run.ID))
		return nil
	}
	ui.MergeReport(final.Merge)
	return runOutcome(&domain.Run{ID: final.RunID, Status: final.Status, Reason: final.Reason})
}

// printRunView prints a run header, its task table and merge report.
func printRunView(view *coordinator.RunView) error {
	run := view.Run
	ui.Info("run %s %s  base %s  integration %s", run.ID, output.StatusColor(string(run.Status)),
		run.BaseBranch, output.Cyan(run.IntegrationBranch))
	if run.Reason != "" {
		ui.Info("reason: %s", run.Reason)
	}
	stats := make(map[string]output.DiffStat, len(view.Stats))
	for id, s := range view.Stats {
		stats[id] = output.DiffStat{Files: s.Files, Added: s.Added, Removed: s.Removed}
	}
	if err := ui.Tasks(view.Tasks, stats); err != nil {
		return err
	}
	if run.Status.IsTerminal() && run.Status != domain.RunCancelled {
		ui.MergeReport(run.Merge)
	}
	return nil
}

// runOutcome turns a terminal run into the command's result.
func runOutcome(run *domain.Run) error {
	switch run.Status {
	case domain.RunCompleted:
		ui.Success("run %s completed", output.ShortID(run.ID))
	case domain.RunCompletedWithWarnings:
		ui.Warning("run %s completed with warnings", output.ShortID(run.ID))
	case domain.RunCancelled:
		return fmt.Errorf("run %s was cancelled", output.ShortID(run.ID))
	case domain.RunFailed:
		return fmt.Errorf("run %s failed: %s", output.ShortID(run.ID), run.Reason)
	}
	return nil
}
