package domain

// ConflictFile carries both sides of one conflicting path, read from history
type ConflictFile struct {
	Path      string `json:"path"`
	Base      string `json:"base"`
	Ours      string `json:"ours"`
	Theirs    string `json:"theirs"`
	OursDiff  string `json:"ours_diff"`
	TheirDiff string `json:"their_diff"`
	// Set when the side removed the path
	OursDeleted   bool `json:"ours_deleted,omitempty"`
	TheirsDeleted bool `json:"theirs_deleted,omitempty"`
}

// Resolution records what the conflict-resolution policy decided
type Resolution struct {
	Resolver string `json:"resolver"`
	Resolved bool   `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// ConflictReport is the result of merging one branch into the integration branch
type ConflictReport struct {
	Branch     string         `json:"branch"`
	TaskID     string         `json:"task_id"`
	Clean      bool           `json:"clean"`
	Merged     bool           `json:"merged"`
	Commit     string         `json:"commit,omitempty"`
	BaseCommit string         `json:"base_commit,omitempty"`
	OursCommit string         `json:"ours_commit,omitempty"`
	TheirsTip  string         `json:"theirs_tip,omitempty"`
	Files      []ConflictFile `json:"files,omitempty"`
	Resolution *Resolution    `json:"resolution,omitempty"`
}

// Paths returns the conflicting paths in report order.
func (c *ConflictReport) Paths() []string {
	paths := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// SkippedTask is a task that never reached completed and so was not merged
type SkippedTask struct {
	TaskID string     `json:"task_id"`
	Branch string     `json:"branch"`
	Status TaskStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// MergeReport summarises the merge phase of a run
type MergeReport struct {
	IntegrationBranch string           `json:"integration_branch"`
	BaseCommit        string           `json:"base_commit"`
	HeadCommit        string           `json:"head_commit"`
	Reports           []ConflictReport `json:"reports"`
	Merged            []string         `json:"merged"`
	Unmerged          []string         `json:"unmerged"`
	Skipped           []SkippedTask    `json:"skipped,omitempty"`
}

// Outcome derives the run status from the merge results. Tasks that never
// completed count as warnings alongside unmerged branches.
func (m *MergeReport) Outcome() RunStatus {
	if len(m.Unmerged) > 0 || len(m.Skipped) > 0 {
		return RunCompletedWithWarnings
	}
	return RunCompleted
}
