// Package store is the persistence layer: SQLite is the system of record
// for projects, tasks, task attempts, execution processes and their
// conversation events. The connection runs in WAL mode with a bounded
// busy timeout and a single-connection pool so SQLite never sees
// concurrent Go writers contending for the same file lock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the shared *sql.DB handle. All repositories in this package
// take a *Store rather than opening their own connection.
type Store struct {
	db *sql.DB
}

// processLocks guards schema application per database file path. It is a
// process-wide advisory lock, not a cross-process one: the single-writer
// connection pool already keeps this binary's own goroutines from racing
// each other, and nothing else in this design opens the same file.
var (
	processLocksMu sync.Mutex
	processLocks   = map[string]*sync.Mutex{}
)

func lockFor(path string) *sync.Mutex {
	processLocksMu.Lock()
	defer processLocksMu.Unlock()
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	l, ok := processLocks[abs]
	if !ok {
		l = &sync.Mutex{}
		processLocks[abs] = l
	}
	return l
}

// Open opens (creating if necessary) the SQLite database at path and
// applies all migrations under the path's advisory lock.
func Open(path string) (*Store, error) {
	lock := lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign_keys: %w", err)
	}

	// Serialise all writes through one connection; WAL + busy_timeout are
	// defense in depth on top of this, not a substitute for it.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive, for the operator API's
// liveness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// conn exposes the underlying handle for repositories in this package. It is
// not exported outside package store.
func (s *Store) conn() *sql.DB { return s.db }

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			git_repo_path TEXT NOT NULL UNIQUE,
			setup_script TEXT,
			dev_script TEXT,
			cleanup_script TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL CHECK (status IN ('Todo','InProgress','InReview','Done','Cancelled')),
			wish_id TEXT NOT NULL,
			parent_task_attempt_id TEXT,
			created_by TEXT,
			assigned_to TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_wish ON tasks(wish_id);

		CREATE TABLE IF NOT EXISTS task_attempts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			executor TEXT NOT NULL,
			base_branch TEXT NOT NULL,
			branch TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			pr_url TEXT,
			pr_status TEXT,
			pr_merged_at TEXT,
			merge_commit TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_branch ON task_attempts(branch);

		CREATE TABLE IF NOT EXISTS execution_processes (
			id TEXT PRIMARY KEY,
			task_attempt_id TEXT NOT NULL REFERENCES task_attempts(id) ON DELETE CASCADE,
			process_type TEXT NOT NULL CHECK (process_type IN ('SetupScript','CodingAgent','CleanupScript','DevServer')),
			executor_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('Running','Completed','Failed','Killed')),
			command_line TEXT NOT NULL,
			working_directory TEXT NOT NULL,
			exit_code INTEGER,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_processes_attempt ON execution_processes(task_attempt_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_processes_status ON execution_processes(status);

		CREATE TABLE IF NOT EXISTS conversation_events (
			process_id TEXT NOT NULL REFERENCES execution_processes(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('UserMessage','AssistantMessage','ToolUse','ToolResult','Error','SessionStarted','Finished')),
			payload TEXT NOT NULL,
			external_session_id TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (process_id, seq)
		);

		CREATE TABLE IF NOT EXISTS git_hosting_keys (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			label TEXT NOT NULL,
			encrypted_token TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	// Evolution additions land here as best-effort ALTER TABLEs: ignore
	// "duplicate column" errors rather than tracking a schema version table.
	alterStmts := []string{
		`ALTER TABLE task_attempts ADD COLUMN merge_commit TEXT`,
	}
	for _, stmt := range alterStmts {
		db.Exec(stmt)
	}

	return nil
}
