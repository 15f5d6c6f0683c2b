package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create agents",
		SQL: `
			CREATE TABLE agents (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				name              TEXT NOT NULL,
				role              TEXT NOT NULL DEFAULT '',
				description       TEXT NOT NULL DEFAULT '',
				goal              TEXT NOT NULL DEFAULT '',
				requirements      TEXT NOT NULL DEFAULT '[]',
				artifacts         TEXT NOT NULL DEFAULT '[]',
				requires_approval INTEGER NOT NULL DEFAULT 0,
				created_at        TEXT NOT NULL,
				updated_at        TEXT NOT NULL
			);

			CREATE INDEX idx_agents_name ON agents (name);
		`,
	},
	{
		Version: 2,
		Name:    "create agent sessions and tasks",
		SQL: `
			CREATE TABLE agent_sessions (
				session_key       TEXT PRIMARY KEY,
				project_id        TEXT NOT NULL,
				agent_name        TEXT NOT NULL,
				task_id           TEXT NOT NULL,
				execution_backend TEXT NOT NULL,
				worker_id         TEXT NOT NULL DEFAULT '',
				machine_id        TEXT,
				status            TEXT NOT NULL,
				context           TEXT,
				routing_info      TEXT,
				created_at        TEXT NOT NULL,
				updated_at        TEXT NOT NULL,
				completed_at      TEXT
			);

			CREATE INDEX idx_agent_sessions_project ON agent_sessions (project_id, created_at);
			CREATE INDEX idx_agent_sessions_agent ON agent_sessions (agent_name, created_at);

			CREATE TABLE tasks (
				task_id        TEXT PRIMARY KEY,
				project_id     TEXT NOT NULL,
				queue_name     TEXT NOT NULL,
				task_type      TEXT NOT NULL,
				agent_name     TEXT,
				context        TEXT,
				status         TEXT NOT NULL,
				result         TEXT,
				error          TEXT,
				parent_task_id TEXT,
				created_at     TEXT NOT NULL,
				updated_at     TEXT NOT NULL,
				started_at     TEXT,
				completed_at   TEXT
			);

			CREATE INDEX idx_tasks_project ON tasks (project_id, created_at);
			CREATE INDEX idx_tasks_parent ON tasks (parent_task_id);
		`,
	},
	{
		Version: 3,
		Name:    "create queue jobs",
		SQL: `
			CREATE TABLE queue_jobs (
				id           TEXT PRIMARY KEY,
				queue        TEXT NOT NULL,
				payload      TEXT NOT NULL,
				state        TEXT NOT NULL,
				attempts     INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				available_at TEXT NOT NULL,
				last_error   TEXT,
				created_at   TEXT NOT NULL,
				updated_at   TEXT NOT NULL
			);

			CREATE INDEX idx_queue_jobs_ready ON queue_jobs (queue, state, available_at);
		`,
	},
	{
		Version: 4,
		Name:    "create context lake",
		SQL: `
			CREATE TABLE context_lake (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				project_id TEXT NOT NULL,
				agent_name TEXT,
				data_type  TEXT NOT NULL,
				raw_data   TEXT NOT NULL,
				metadata   TEXT,
				created_at TEXT NOT NULL
			);

			CREATE INDEX idx_context_lake_project ON context_lake (project_id, created_at);
		`,
	},
}
