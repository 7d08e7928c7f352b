package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    base_branch TEXT NOT NULL,
    integration_branch TEXT NOT NULL,
    concurrency INTEGER NOT NULL,
    status TEXT NOT NULL,
    reason TEXT,
    merge_report TEXT,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    branch TEXT NOT NULL,
    work_item TEXT,
    prompt TEXT,
    agent TEXT,
    timeout_ms INTEGER DEFAULT 0,
    max_attempts INTEGER DEFAULT 1,
    attempt INTEGER DEFAULT 0,
    status TEXT NOT NULL,
    workspace_id TEXT,
    pid INTEGER DEFAULT 0,
    commits TEXT,
    reason TEXT,
    tokens_input INTEGER DEFAULT 0,
    tokens_output INTEGER DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS workspaces (
    id TEXT PRIMARY KEY,
    branch TEXT NOT NULL UNIQUE,
    base_branch TEXT,
    path TEXT NOT NULL UNIQUE,
    task_id TEXT,
    created_at TIMESTAMP NOT NULL
);
`
