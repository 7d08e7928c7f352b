package tui

import (
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/worktree-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.selectedRow < len(m.tasks)-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "1":
			m.activeTab = TabTasks
		case "2":
			m.activeTab = TabActivity
		case "3":
			m.activeTab = TabMerge
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tickCmd()

	case ConnectionMsg:
		if msg.Connected {
			m.connected = true
			m.lastErr = ""
		} else {
			if m.connected {
				m.reconnects++
			}
			m.connected = false
			if msg.Err != nil {
				m.lastErr = msg.Err.Error()
			}
		}
		return m, waitForUpdate(m.updates)

	case EnvelopeMsg:
		if err := m.apply(broadcast.EnvelopeRaw(msg)); err != nil {
			m.lastErr = err.Error()
		}
		m.lastUpdate = time.Now()
		if m.exitOnFinish && m.Finished() {
			return m, tea.Quit
		}
		return m, waitForUpdate(m.updates)
	}

	return m, nil
}

// Finished reports whether the run reached a terminal status
func (m Model) Finished() bool {
	return m.run != nil && m.run.Status.IsTerminal()
}

func (m *Model) apply(env broadcast.EnvelopeRaw) error {
	switch env.Type {
	case broadcast.TypeSnapshot:
		snap, err := broadcast.Decode[broadcast.SnapshotMessage](env)
		if err != nil {
			return err
		}
		m.run = snap.Run
		m.tasks = snap.Tasks
		m.samples = make(map[string]domain.TelemetrySample, len(snap.Samples))
		for _, s := range snap.Samples {
			m.samples[s.TaskID] = s
		}
		m.sortTasks()

	case broadcast.TypeRun:
		run, err := broadcast.Decode[broadcast.RunMessage](env)
		if err != nil {
			return err
		}
		m.run = &run

	case broadcast.TypeTask:
		task, err := broadcast.Decode[broadcast.TaskMessage](env)
		if err != nil {
			return err
		}
		m.SetTask(task)

	case broadcast.TypeSample:
		msg, err := broadcast.Decode[broadcast.SampleMessage](env)
		if err != nil {
			return err
		}
		if prev, ok := m.samples[msg.Sample.TaskID]; ok && msg.Sample.Time.Before(prev.Time) {
			return nil
		}
		m.samples[msg.Sample.TaskID] = msg.Sample

	case broadcast.TypeEvent:
		msg, err := broadcast.Decode[broadcast.EventMessage](env)
		if err != nil {
			return err
		}
		m.addActivity(msg.Event)

	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
	return nil
}

// SetTask inserts or replaces a task row
func (m *Model) SetTask(task broadcast.TaskMessage) {
	for i := range m.tasks {
		if m.tasks[i].TaskID == task.TaskID {
			m.tasks[i] = task
			return
		}
	}
	m.tasks = append(m.tasks, task)
	m.sortTasks()
}

func (m *Model) sortTasks() {
	sort.SliceStable(m.tasks, func(i, j int) bool { return m.tasks[i].Sequence < m.tasks[j].Sequence })
	if m.selectedRow >= len(m.tasks) {
		m.selectedRow = max(len(m.tasks)-1, 0)
	}
}

func (m *Model) addActivity(ev domain.Event) {
	line := ActivityLine{Time: ev.Time, TaskID: ev.TaskID, Kind: ev.Kind}
	switch ev.Kind {
	case domain.EventGit:
		if ev.Git == nil {
			return
		}
		line.Text = ev.Git.Op
		if ev.Git.Ref != "" {
			line.Text += " " + ev.Git.Ref
		}
		if ev.Git.Message != "" {
			line.Text += ": " + ev.Git.Message
		}
	case domain.EventLog:
		if ev.Log == nil {
			return
		}
		line.Text = ev.Log.Text
	case domain.EventStatus:
		line.Text = "status " + string(ev.Status)
	case domain.EventTokens:
		line.Text = fmt.Sprintf("tokens +%d in / +%d out", ev.TokensIn, ev.TokensOut)
	default:
		return
	}
	m.activity = append(m.activity, line)
	if over := len(m.activity) - m.activityLimit; over > 0 {
		m.activity = m.activity[over:]
	}
}
