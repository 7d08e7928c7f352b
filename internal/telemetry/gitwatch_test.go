package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

func TestParseReflogLine(t *testing.T) {
	line := "0000000000000000000000000000000000000000 1234567890abcdef1234567890abcdef12345678 Test <test@test.com> 1700000000 +0100\tcommit (initial): Initial commit"
	a, ok := ParseReflogLine(line)
	require.True(t, ok)
	assert.Equal(t, "commit", a.Op)
	assert.Equal(t, "1234567890ab", a.Commit)
	assert.Equal(t, "Initial commit", a.Message)
	assert.Equal(t, int64(1700000000), a.Time.Unix())

	a, ok = ParseReflogLine("a b N <e> 1700000000 +0000\tmerge feature/x: Fast-forward")
	require.True(t, ok)
	assert.Equal(t, "merge", a.Op)
	assert.Equal(t, "feature/x", a.Ref)

	_, ok = ParseReflogLine("garbage")
	assert.False(t, ok)
}

func TestGitWatcher_EmitsAppendedEntries(t *testing.T) {
	gitDir := t.TempDir()
	logs := filepath.Join(gitDir, "logs")
	require.NoError(t, os.MkdirAll(logs, 0755))
	reflog := filepath.Join(logs, "HEAD")
	require.NoError(t, os.WriteFile(reflog, []byte("a b N <e> 1700000000 +0000\tcheckout: old entry\n"), 0644))

	var mu sync.Mutex
	var got []domain.GitActivity
	gw, err := NewGitWatcher(func(taskID string, a domain.GitActivity) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "t1", taskID)
		got = append(got, a)
	})
	require.NoError(t, err)
	require.NoError(t, gw.Add("t1", gitDir))
	gw.Start(context.Background())
	defer gw.Stop()

	f, err := os.OpenFile(reflog, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("b c N <e> 1700000001 +0000\tcommit: add feature\n")
	require.NoError(t, err)
	f.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "commit", got[0].Op)
	assert.Equal(t, "add feature", got[0].Message)
}
