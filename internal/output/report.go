package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// ShortID trims a uuid to its first block for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func elapsed(start, end *time.Time) string {
	if start == nil {
		return "-"
	}
	stop := time.Now()
	if end != nil {
		stop = *end
	}
	return stop.Sub(*start).Round(time.Second).String()
}

// Runs prints one row per run, newest first as given.
func (u *UI) Runs(runs []*domain.Run) error {
	table := u.Table([]string{"Run", "Status", "Base", "Integration", "Tasks", "Created", "Duration"})
	for _, r := range runs {
		if err := table.Append([]string{
			ShortID(r.ID),
			StatusColor(string(r.Status)),
			r.BaseBranch,
			r.IntegrationBranch,
			fmt.Sprintf("%d", len(r.TaskIDs)),
			humanize.Time(r.CreatedAt),
			elapsed(r.StartedAt, r.FinishedAt),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// DiffStat is the per-task change summary shown next to a task
type DiffStat struct {
	Files   int
	Added   int
	Removed int
}

// Tasks prints the tasks of a run in sequence order.
func (u *UI) Tasks(tasks []*domain.Task, stats map[string]DiffStat) error {
	table := u.Table([]string{"#", "Branch", "Status", "Attempt", "Commits", "Changes", "Tokens", "Duration", "Reason"})
	for _, t := range tasks {
		changes := "-"
		if s, ok := stats[t.ID]; ok {
			changes = fmt.Sprintf("%d file(s) %s %s", s.Files, green(fmt.Sprintf("+%d", s.Added)), red(fmt.Sprintf("-%d", s.Removed)))
		}
		if err := table.Append([]string{
			fmt.Sprintf("%d", t.Sequence),
			t.AttemptBranch(),
			StatusColor(string(t.Status)),
			fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts),
			fmt.Sprintf("%d", len(t.Commits)),
			changes,
			humanize.Comma(int64(t.TokensIn + t.TokensOut)),
			elapsed(t.StartedAt, t.FinishedAt),
			truncate(t.Reason, 60),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// Workspaces prints the active workspace registry.
func (u *UI) Workspaces(list []domain.Workspace) error {
	table := u.Table([]string{"Branch", "Base", "Task", "Path", "Created"})
	for _, ws := range list {
		created := ws.CreatedAt
		if err := table.Append([]string{
			ws.Branch,
			ws.BaseBranch,
			ShortID(ws.TaskID),
			ws.Path,
			ago(&created),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// MergeReport prints what the merge phase did.
func (u *UI) MergeReport(m *domain.MergeReport) {
	if m == nil {
		u.Info("no merge report")
		return
	}
	u.Info("integration branch %s", Cyan(m.IntegrationBranch))
	for _, b := range m.Merged {
		fmt.Fprintf(u.Out, "  %s %s\n", successPrefix, b)
	}
	for _, b := range m.Unmerged {
		fmt.Fprintf(u.Out, "  %s %s %s\n", errorPrefix, b, faint("(unmerged)"))
	}
	for _, s := range m.Skipped {
		fmt.Fprintf(u.Out, "  %s %s %s\n", warningPrefix, s.Branch, faint("("+string(s.Status)+")"))
	}
	for _, r := range m.Reports {
		if len(r.Files) == 0 {
			continue
		}
		line := fmt.Sprintf("%s: %s", r.Branch, strings.Join(r.Paths(), ", "))
		if res := r.Resolution; res != nil && res.Resolved {
			line += " resolved by " + res.Resolver
		}
		u.VerboseLog("%s", line)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
