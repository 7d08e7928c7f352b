package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/worktree-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/worktree-orchestrator/internal/maintenance"
	"github.com/hochfrequenz/worktree-orchestrator/web/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and live run streams",
	Long: `Serve the HTTP API, the SSE and websocket run streams and the scheduled
workspace cleanup. State left by a previous crash is recovered first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Web.Port = servePort
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		a.start(ctx)

		rep, err := a.coord.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recovering state: %w", err)
		}
		if len(rep.Runs) > 0 || len(rep.Removed) > 0 {
			ui.Warning("recovered %d interrupted run(s), removed %d workspace(s)", len(rep.Runs), len(rep.Removed))
		}

		g, gctx := errgroup.WithContext(ctx)
		if cfg.Maintenance.CleanupCron != "" {
			sched, err := maintenance.NewScheduler(maintenance.CleanupJob(a.coord, cfg.Maintenance.CleanupCron))
			if err != nil {
				return err
			}
			g.Go(func() error {
				sched.Start(gctx)
				return nil
			})
		}

		addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
		srv := api.NewServer(a.coord, a.hub, addr, broadcast.StreamConfig{})
		g.Go(func() error { return srv.Start(gctx) })
		ui.Success("serving on http://%s", addr)

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default from [web])")
	rootCmd.AddCommand(serveCmd)
}
