package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/output"
	"github.com/hochfrequenz/worktree-orchestrator/internal/taskstore"
)

var (
	runsStatus []string
	runsLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run with its tasks and merge report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveRunID(ctx, a.store, args[0])
		if err != nil {
			return err
		}
		view, err := a.coord.Status(ctx, id)
		if err != nil {
			return err
		}
		return printRunView(view)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		filter := taskstore.RunFilter{Limit: runsLimit}
		for _, s := range runsStatus {
			filter.Status = append(filter.Status, domain.RunStatus(s))
		}
		runs, err := store.ListRuns(context.Background(), filter)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			ui.Info("no runs")
			return nil
		}
		return ui.Runs(runs)
	},
}

var workspacesCmd = &cobra.Command{
	Use:     "workspaces",
	Aliases: []string{"ws"},
	Short:   "List active workspaces",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.ListWorkspaces(context.Background())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			ui.Info("no active workspaces")
			return nil
		}
		active := make([]domain.Workspace, 0, len(list))
		for _, ws := range list {
			active = append(active, *ws)
		}
		return ui.Workspaces(active)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove workspace directories no task owns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.coord.CleanupOrphans(ctx)
		for _, path := range removed {
			ui.VerboseLog("removed %s", path)
		}
		if err != nil {
			return err
		}
		ui.Success("removed %d orphaned workspace(s)", len(removed))
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reconcile state left behind by a crashed process",
	Long: `Mark tasks and runs that were in flight when the orchestrator died as
failed, and remove the workspaces they held. Do not run this while a
'serve' or 'run' process is active against the same database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.coord.Recover(ctx)
		if err != nil {
			return err
		}
		for _, id := range rep.Runs {
			ui.Warning("run %s marked failed", output.ShortID(id))
		}
		for _, id := range rep.Tasks {
			ui.VerboseLog("task %s marked failed", output.ShortID(id))
		}
		for _, path := range rep.Removed {
			ui.VerboseLog("removed %s", path)
		}
		ui.Success("recovered %d run(s), %d task(s), %d workspace(s)", len(rep.Runs), len(rep.Tasks), len(rep.Removed))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run driven by a 'serve' process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		id := expandRunID(ctx, cfg, args[0])

		r := newRemote(serverAddr(cfg))
		if err := r.cancelRun(ctx, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w (runs started with 'run' are cancelled with Ctrl-C in their terminal)", err)
			}
			return err
		}
		ui.Success("cancellation requested for run %s", output.ShortID(id))
		return nil
	},
}

func init() {
	runsCmd.Flags().StringSliceVar(&runsStatus, "status", nil, "only runs with these statuses")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum runs to list (0 for all)")

	rootCmd.AddCommand(statusCmd, runsCmd, workspacesCmd, cleanupCmd, recoverCmd, cancelCmd)
}
