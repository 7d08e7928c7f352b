// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when git is not installed.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// NewRepo initialises a repository on branch main with one commit.
func NewRepo(t testing.TB) string {
	t.Helper()
	RequireGit(t)
	dir := t.TempDir()

	Git(t, dir, "init", "-b", "main")
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
	CommitFile(t, dir, "README.md", "# Test\n", "Initial commit")

	return dir
}

// Git runs git in dir and fails the test on error.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to dir/path, creating parents.
func WriteFile(t testing.TB, dir, path, content string) {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// CommitFile writes and commits a single file, returning the new head.
func CommitFile(t testing.TB, dir, path, content, message string) string {
	t.Helper()
	WriteFile(t, dir, path, content)
	Git(t, dir, "add", path)
	Git(t, dir, "commit", "-m", message)
	return Git(t, dir, "rev-parse", "HEAD")
}

// Branch commits content on a new branch created from base in the main
// checkout, then switches back to base.
func Branch(t testing.TB, dir, branch, base string, files map[string]string) string {
	t.Helper()
	Git(t, dir, "checkout", "-q", "-b", branch, base)
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", "work on "+branch)
	head := Git(t, dir, "rev-parse", "HEAD")
	Git(t, dir, "checkout", "-q", base)
	return head
}
