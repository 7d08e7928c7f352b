package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/worktree-orchestrator/internal/broadcast"
)

// Watch follows runID through client and renders the dashboard until the
// user quits, ctx ends, or (with exitOnFinish) the run reaches a terminal state.
func Watch(ctx context.Context, client *broadcast.Client, runID string, exitOnFinish bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan tea.Msg, 256)
	send := func(msg tea.Msg) {
		select {
		case updates <- msg:
		case <-ctx.Done():
		}
	}
	client.Connected = func() { send(ConnectionMsg{Connected: true}) }
	client.Disconnected = func(err error) { send(ConnectionMsg{Err: err}) }
	go client.Follow(ctx, func(env broadcast.EnvelopeRaw) { send(EnvelopeMsg(env)) })

	m := NewModel(ModelConfig{RunID: runID, Updates: updates, ExitOnFinish: exitOnFinish})
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !(errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil) {
		return err
	}
	return nil
}
