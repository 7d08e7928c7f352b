package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/worktree-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// Tab selects the dashboard pane
type Tab int

const (
	TabTasks Tab = iota
	TabActivity
	TabMerge
	tabCount
)

// defaultActivityLimit bounds the activity feed
const defaultActivityLimit = 200

// Model is the watch dashboard for one run
type Model struct {
	// Data
	runID    string
	run      *broadcast.RunMessage
	tasks    []broadcast.TaskMessage
	samples  map[string]domain.TelemetrySample
	activity []ActivityLine

	// Stream
	updates      <-chan tea.Msg
	connected    bool
	reconnects   int
	lastErr      string
	lastUpdate   time.Time
	exitOnFinish bool

	// UI state
	width         int
	height        int
	activeTab     Tab
	selectedRow   int
	activityLimit int
}

// ActivityLine is one entry in the activity feed
type ActivityLine struct {
	Time   time.Time
	TaskID string
	Kind   domain.EventKind
	Text   string
}

// ModelConfig holds initial settings for the dashboard
type ModelConfig struct {
	RunID string
	// Updates delivers EnvelopeMsg and ConnectionMsg values from the stream
	Updates       <-chan tea.Msg
	ExitOnFinish  bool
	ActivityLimit int
}

// NewModel creates a dashboard model
func NewModel(cfg ModelConfig) Model {
	limit := cfg.ActivityLimit
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	return Model{
		runID:         cfg.RunID,
		samples:       make(map[string]domain.TelemetrySample),
		updates:       cfg.Updates,
		exitOnFinish:  cfg.ExitOnFinish,
		activityLimit: limit,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		waitForUpdate(m.updates),
	)
}

// TickMsg triggers a redraw of relative times
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// EnvelopeMsg is one message from the run stream
type EnvelopeMsg broadcast.EnvelopeRaw

// ConnectionMsg reports a stream connect or disconnect
type ConnectionMsg struct {
	Connected bool
	Err       error
}

func waitForUpdate(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return ConnectionMsg{}
		}
		return msg
	}
}
