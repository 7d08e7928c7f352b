// Package taskstore persists runs, tasks and the active workspace registry in SQLite.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// Store provides SQLite-backed run and task persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, domain.Unavailable("opening database", err)
	}
	// one connection keeps :memory: databases coherent and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, domain.Unavailable("enabling foreign keys", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, domain.Unavailable("setting busy timeout", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, domain.Unavailable("running migrations", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutRun inserts or updates a run
func (s *Store) PutRun(ctx context.Context, run *domain.Run) error {
	return domain.Unavailable("put run", putRun(ctx, s.db, run))
}

func putRun(ctx context.Context, db execer, run *domain.Run) error {
	var report sql.NullString
	if run.Merge != nil {
		data, err := json.Marshal(run.Merge)
		if err != nil {
			return err
		}
		report = sql.NullString{String: string(data), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (id, base_branch, integration_branch, concurrency, status, reason, merge_report, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			merge_report = excluded.merge_report,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		run.ID,
		run.BaseBranch,
		run.IntegrationBranch,
		run.Concurrency,
		string(run.Status),
		run.Reason,
		report,
		run.CreatedAt,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	return err
}

// PutRunWithTasks stores a run and all of its tasks in one transaction.
func (s *Store) PutRunWithTasks(ctx context.Context, run *domain.Run, tasks []*domain.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unavailable("begin", err)
	}
	defer tx.Rollback()

	if err := putRun(ctx, tx, run); err != nil {
		return domain.Unavailable("put run", err)
	}
	for _, t := range tasks {
		if err := putTask(ctx, tx, t); err != nil {
			return domain.Unavailable("put task", err)
		}
	}
	return domain.Unavailable("commit", tx.Commit())
}

// GetRun retrieves a run by ID, including its task ids in creation order
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.Unavailable("get run", err)
	}
	if err := s.loadTaskIDs(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) loadTaskIDs(ctx context.Context, run *domain.Run) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE run_id = ? ORDER BY sequence`, run.ID)
	if err != nil {
		return domain.Unavailable("list task ids", err)
	}
	defer rows.Close()
	run.TaskIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.Unavailable("scan task id", err)
		}
		run.TaskIDs = append(run.TaskIDs, id)
	}
	return domain.Unavailable("list task ids", rows.Err())
}

// RunFilter specifies filters for listing runs
type RunFilter struct {
	Status []domain.RunStatus
	Limit  int
}

// ListRuns returns runs matching the filter, newest first
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if len(f.Status) > 0 {
		query += " AND status IN (" + placeholders(len(f.Status)) + ")"
		for _, st := range f.Status {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list runs", err)
	}
	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, domain.Unavailable("scan run", err)
		}
		runs = append(runs, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list runs", err)
	}
	for _, run := range runs {
		if err := s.loadTaskIDs(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// PutTask inserts or updates a task, including its pid and workspace binding
func (s *Store) PutTask(ctx context.Context, task *domain.Task) error {
	return domain.Unavailable("put task", putTask(ctx, s.db, task))
}

func putTask(ctx context.Context, db execer, t *domain.Task) error {
	commits, err := json.Marshal(t.Commits)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tasks (id, run_id, sequence, branch, work_item, prompt, agent, timeout_ms, max_attempts, attempt, status, workspace_id, pid, commits, reason, tokens_input, tokens_output, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempt = excluded.attempt,
			status = excluded.status,
			workspace_id = excluded.workspace_id,
			pid = excluded.pid,
			commits = excluded.commits,
			reason = excluded.reason,
			tokens_input = excluded.tokens_input,
			tokens_output = excluded.tokens_output,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		t.ID,
		t.RunID,
		t.Sequence,
		t.Branch,
		t.WorkItem,
		t.Prompt,
		string(t.Agent),
		t.Timeout.Milliseconds(),
		t.MaxAttempts,
		t.Attempt,
		string(t.Status),
		t.WorkspaceID,
		t.PID,
		string(commits),
		t.Reason,
		t.TokensIn,
		t.TokensOut,
		t.CreatedAt,
		nullTime(t.StartedAt),
		nullTime(t.FinishedAt),
	)
	return err
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.Unavailable("get task", err)
	}
	return task, nil
}

// TaskFilter specifies filters for listing tasks
type TaskFilter struct {
	RunID  string
	Status []domain.TaskStatus
}

// ListTasks returns tasks matching the filter in run and creation order
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	if len(f.Status) > 0 {
		query += " AND status IN (" + placeholders(len(f.Status)) + ")"
		for _, st := range f.Status {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY run_id, sequence"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list tasks", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, domain.Unavailable("scan task", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, domain.Unavailable("list tasks", rows.Err())
}

// PutWorkspace registers an active workspace
func (s *Store) PutWorkspace(ctx context.Context, ws *domain.Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, branch, base_branch, path, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET task_id = excluded.task_id
	`, ws.ID, ws.Branch, ws.BaseBranch, ws.Path, ws.TaskID, ws.CreatedAt)
	return domain.Unavailable("put workspace", err)
}

// DeleteWorkspace drops a workspace from the registry. Unknown ids are ignored.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	return domain.Unavailable("delete workspace", err)
}

// ListWorkspaces returns the active workspace registry
func (s *Store) ListWorkspaces(ctx context.Context) ([]*domain.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch, base_branch, path, task_id, created_at
		FROM workspaces ORDER BY created_at
	`)
	if err != nil {
		return nil, domain.Unavailable("list workspaces", err)
	}
	defer rows.Close()

	var list []*domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		var base, taskID sql.NullString
		if err := rows.Scan(&ws.ID, &ws.Branch, &base, &ws.Path, &taskID, &ws.CreatedAt); err != nil {
			return nil, domain.Unavailable("scan workspace", err)
		}
		ws.BaseBranch = base.String
		ws.TaskID = taskID.String
		list = append(list, &ws)
	}
	return list, domain.Unavailable("list workspaces", rows.Err())
}

const runColumns = `id, base_branch, integration_branch, concurrency, status, reason, merge_report, created_at, started_at, finished_at`

const taskColumns = `id, run_id, sequence, branch, work_item, prompt, agent, timeout_ms, max_attempts, attempt, status, workspace_id, pid, commits, reason, tokens_input, tokens_output, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var reason, report sql.NullString
	var started, finished sql.NullTime

	err := row.Scan(&run.ID, &run.BaseBranch, &run.IntegrationBranch, &run.Concurrency, &status, &reason, &report, &run.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Reason = reason.String
	run.StartedAt = timePtr(started)
	run.FinishedAt = timePtr(finished)
	if report.Valid && report.String != "" {
		var mr domain.MergeReport
		if err := json.Unmarshal([]byte(report.String), &mr); err != nil {
			return nil, fmt.Errorf("decoding merge report: %w", err)
		}
		run.Merge = &mr
	}
	return &run, nil
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var status, agent string
	var workItem, prompt, workspaceID, commits, reason sql.NullString
	var timeoutMS int64
	var started, finished sql.NullTime

	err := row.Scan(&t.ID, &t.RunID, &t.Sequence, &t.Branch, &workItem, &prompt, &agent, &timeoutMS, &t.MaxAttempts, &t.Attempt, &status, &workspaceID, &t.PID, &commits, &reason, &t.TokensIn, &t.TokensOut, &t.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	t.Agent = domain.AgentKind(agent)
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	t.WorkItem = workItem.String
	t.Prompt = prompt.String
	t.WorkspaceID = workspaceID.String
	t.Reason = reason.String
	t.StartedAt = timePtr(started)
	t.FinishedAt = timePtr(finished)
	if commits.Valid && commits.String != "" && commits.String != "null" {
		if err := json.Unmarshal([]byte(commits.String), &t.Commits); err != nil {
			return nil, fmt.Errorf("decoding commits: %w", err)
		}
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
