package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("39"))

	queuedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("238"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Width(m.width).Render(m.header()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case TabTasks:
		section = m.renderTasks()
	case TabActivity:
		section = m.renderActivity()
	case TabMerge:
		section = m.renderMerge()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")
	b.WriteString(statusBarStyle.Width(m.width).Render(m.statusBar()))
	return b.String()
}

func (m Model) header() string {
	status := "waiting"
	branches := ""
	if m.run != nil {
		status = string(m.run.Status)
		branches = fmt.Sprintf(" │ %s → %s", m.run.BaseBranch, m.run.IntegrationBranch)
	}
	running := 0
	for _, t := range m.tasks {
		if t.Status == domain.TaskRunning {
			running++
		}
	}
	return fmt.Sprintf(" worktree-orch │ run %s │ %s%s │ running %d/%d ",
		shortID(m.runID), status, branches, running, len(m.tasks))
}

func (m Model) statusBar() string {
	conn := completedStyle.Render("● live")
	if !m.connected {
		conn = warningStyle.Render("○ reconnecting")
	}
	parts := []string{conn}
	if !m.lastUpdate.IsZero() {
		parts = append(parts, "updated "+humanize.Time(m.lastUpdate))
	}
	if m.reconnects > 0 {
		parts = append(parts, fmt.Sprintf("%d reconnect(s)", m.reconnects))
	}
	if m.lastErr != "" {
		parts = append(parts, failedStyle.Render(truncate(m.lastErr, 60)))
	}
	parts = append(parts, dimmedStyle.Render("tab switch • j/k select • q quit"))
	return " " + strings.Join(parts, " │ ")
}

func (m Model) renderTabs() string {
	tabs := []string{"Tasks", "Activity", "Merge"}
	var parts []string

	for i, tab := range tabs {
		if Tab(i) == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderTasks() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("TASKS"))
	b.WriteString("\n")

	if len(m.tasks) == 0 {
		b.WriteString(queuedStyle.Render("  No tasks yet."))
		return b.String()
	}

	for i, t := range m.tasks {
		sample, hasSample := m.samples[t.TaskID]
		branch := t.Branch
		if t.Attempt > 1 {
			branch = fmt.Sprintf("%s-r%d", t.Branch, t.Attempt)
		}
		line := fmt.Sprintf("  %2d  %-34s %s", t.Sequence, truncate(branch, 34), statusStyle(t.Status).Render(fmt.Sprintf("%-10s", t.Status)))
		if hasSample {
			line += fmt.Sprintf("  cpu %5.1f%%  rss %-8s tokens %-7s", sample.CPUPercent, humanize.IBytes(sample.RSSBytes), formatTokens(sample.TokensIn+sample.TokensOut))
			if sample.Stale {
				line += warningStyle.Render(" stale")
			}
		}
		if t.Reason != "" {
			line += "  " + dimmedStyle.Render(truncate(t.Reason, 40))
		}
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.selectedRow < len(m.tasks) {
		b.WriteString(m.renderTaskDetail(m.tasks[m.selectedRow].TaskID))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderTaskDetail(taskID string) string {
	sample, ok := m.samples[taskID]
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("DETAIL " + shortID(taskID)))
	b.WriteString("\n")
	for _, g := range lastN(sample.GitActivity, 5) {
		b.WriteString(fmt.Sprintf("  %s %s %s\n", dimmedStyle.Render(g.Time.Format("15:04:05")), runningStyle.Render(g.Op), truncate(g.Ref+" "+g.Message, 80)))
	}
	for _, l := range lastN(sample.Logs, 8) {
		text := truncate(l.Text, max(m.width-16, 20))
		if l.Level == "error" {
			text = failedStyle.Render(text)
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", dimmedStyle.Render(l.Time.Format("15:04:05")), text))
	}
	return b.String()
}

func (m Model) renderActivity() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ACTIVITY"))
	b.WriteString("\n")

	if len(m.activity) == 0 {
		b.WriteString(queuedStyle.Render("  Nothing yet."))
		return b.String()
	}

	visible := m.height - 8
	if visible < 5 {
		visible = 5
	}
	for _, a := range lastN(m.activity, visible) {
		b.WriteString(fmt.Sprintf("  %s %s %-6s %s\n",
			dimmedStyle.Render(a.Time.Format("15:04:05")),
			shortID(a.TaskID),
			string(a.Kind),
			truncate(a.Text, max(m.width-34, 20))))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderMerge() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("MERGE"))
	b.WriteString("\n")

	if m.run == nil || m.run.Merge == nil {
		b.WriteString(queuedStyle.Render("  Merge has not run yet."))
		if m.run != nil && m.run.Reason != "" {
			b.WriteString("\n  " + failedStyle.Render(m.run.Reason))
		}
		return b.String()
	}

	rep := m.run.Merge
	for _, br := range rep.Merged {
		b.WriteString(completedStyle.Render("  ✓ "+br) + "\n")
	}
	for _, br := range rep.Unmerged {
		b.WriteString(failedStyle.Render("  ✗ "+br) + dimmedStyle.Render(" unmerged") + "\n")
	}
	for _, s := range rep.Skipped {
		b.WriteString(warningStyle.Render("  ⚠ "+s.Branch) + dimmedStyle.Render(" "+string(s.Status)) + "\n")
	}
	for _, r := range rep.Reports {
		if len(r.Files) == 0 {
			continue
		}
		line := fmt.Sprintf("  %s: %s", r.Branch, strings.Join(r.Paths(), ", "))
		if r.Resolution != nil && r.Resolution.Resolved {
			line += " (resolved by " + r.Resolution.Resolver + ")"
		}
		b.WriteString(dimmedStyle.Render(line) + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func statusStyle(s domain.TaskStatus) lipgloss.Style {
	switch s {
	case domain.TaskRunning:
		return runningStyle
	case domain.TaskCompleted:
		return completedStyle
	case domain.TaskFailed:
		return failedStyle
	case domain.TaskRetrying, domain.TaskCancelled:
		return warningStyle
	default:
		return queuedStyle
	}
}

func lastN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatTokens(n int) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
