package telemetry

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// GitActivityCallback receives git operations observed in a task workspace
type GitActivityCallback func(taskID string, activity domain.GitActivity)

type watchedLog struct {
	taskID string
	path   string
	offset int64
}

// GitWatcher turns reflog appends in task workspaces into git activity events
type GitWatcher struct {
	watcher  *fsnotify.Watcher
	callback GitActivityCallback

	mu   sync.Mutex
	logs map[string]*watchedLog // by reflog path

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGitWatcher creates a new watcher for workspace reflogs
func NewGitWatcher(callback GitActivityCallback) (*GitWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &GitWatcher{
		watcher:  watcher,
		callback: callback,
		logs:     make(map[string]*watchedLog),
		done:     make(chan struct{}),
	}, nil
}

// Add starts watching the HEAD reflog inside gitDir for taskID. Entries
// already present are skipped.
func (gw *GitWatcher) Add(taskID, gitDir string) error {
	logsDir := filepath.Join(gitDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return err
	}
	reflog := filepath.Join(logsDir, "HEAD")

	var offset int64
	if fi, err := os.Stat(reflog); err == nil {
		offset = fi.Size()
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if _, exists := gw.logs[reflog]; exists {
		return nil
	}
	if err := gw.watcher.Add(logsDir); err != nil {
		return err
	}
	gw.logs[reflog] = &watchedLog{taskID: taskID, path: reflog, offset: offset}
	return nil
}

// Remove stops watching every reflog registered for taskID.
func (gw *GitWatcher) Remove(taskID string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	for path, wl := range gw.logs {
		if wl.taskID == taskID {
			gw.watcher.Remove(filepath.Dir(path))
			delete(gw.logs, path)
		}
	}
}

// Start begins watching for reflog changes
func (gw *GitWatcher) Start(ctx context.Context) {
	ctx, gw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(gw.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-gw.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					gw.poll(event.Name)
				}
			case err, ok := <-gw.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[telemetry] git watcher: %v", err)
			}
		}
	}()
}

// Stop stops watching and waits for the event loop to exit
func (gw *GitWatcher) Stop() {
	if gw.cancel != nil {
		gw.cancel()
		gw.watcher.Close()
		<-gw.done
		return
	}
	gw.watcher.Close()
}

func (gw *GitWatcher) poll(path string) {
	gw.mu.Lock()
	wl, ok := gw.logs[path]
	if !ok {
		gw.mu.Unlock()
		return
	}
	activities, next := readReflog(wl.path, wl.offset)
	wl.offset = next
	taskID := wl.taskID
	gw.mu.Unlock()

	if gw.callback == nil {
		return
	}
	for _, a := range activities {
		gw.callback(taskID, a)
	}
}

func readReflog(path string, offset int64) ([]domain.GitActivity, int64) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, offset
	}
	if fi.Size() < offset {
		offset = 0 // reflog was rewritten
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset
	}

	var out []domain.GitActivity
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// partial trailing line is picked up on the next write
			break
		}
		offset += int64(len(line))
		if a, ok := ParseReflogLine(strings.TrimRight(line, "\n")); ok {
			out = append(out, a)
		}
	}
	return out, offset
}

// ParseReflogLine parses one reflog entry of the form
// "<old> <new> <name> <<email>> <unix-ts> <tz>\t<op>: <message>".
func ParseReflogLine(line string) (domain.GitActivity, bool) {
	header, msg, ok := strings.Cut(line, "\t")
	if !ok {
		return domain.GitActivity{}, false
	}
	fields := strings.Fields(header)
	if len(fields) < 4 {
		return domain.GitActivity{}, false
	}

	a := domain.GitActivity{Commit: fields[1], Time: time.Now()}
	if len(a.Commit) > 12 {
		a.Commit = a.Commit[:12]
	}
	if ts, err := strconv.ParseInt(fields[len(fields)-2], 10, 64); err == nil {
		a.Time = time.Unix(ts, 0)
	}

	op, rest, found := strings.Cut(msg, ": ")
	if !found {
		a.Op = "update"
		a.Message = msg
		return a, true
	}
	// "commit (initial)", "merge feature/x", "checkout"
	verb, arg, _ := strings.Cut(op, " ")
	a.Op = verb
	if verb == "merge" {
		a.Ref = arg
	}
	a.Message = rest
	return a, true
}
