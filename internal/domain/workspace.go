package domain

import (
	"regexp"
	"strings"
	"time"
)

// Workspace is an isolated working directory bound to a branch
type Workspace struct {
	ID         string    `json:"id"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"base_branch,omitempty"`
	Path       string    `json:"path"`
	TaskID     string    `json:"task_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DirName turns a branch name into the single path component its workspace
// directory uses. Distinct branches can share a DirName.
func DirName(branch string) string {
	s := strings.ReplaceAll(branch, "/", "-")
	s = unsafeDirChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-.")
}
