package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/worktree-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/worktree-orchestrator/tui"
)

var watchExit bool

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Live dashboard for a run driven by a 'serve' process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		id := expandRunID(ctx, cfg, args[0])
		r := newRemote(serverAddr(cfg))

		// Log lines would tear the alternate screen.
		log.SetOutput(io.Discard)
		defer log.SetOutput(os.Stderr)

		return tui.Watch(ctx, broadcast.NewClient(r.streamURL(id)), id, watchExit)
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchExit, "exit", false, "quit when the run finishes")
	rootCmd.AddCommand(watchCmd)
}
