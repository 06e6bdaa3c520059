package rollout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteIndex is the optional `state.db` indexed summary store named in
// spec.md §6.4. It is a WAL-mode pure-Go SQLite index that lets
// Store.ListThreads avoid re-reading every rollout file's head on every
// call, grounded on the same single-writer WAL/PRAGMA idiom used by the
// retrieval pack's SQLite-backed alert queue.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (or creates) the index database at path and applies
// its schema. path may be ":memory:" for tests.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rollout index: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rollout index: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rollout index: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rollout index: apply schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS thread_summary (
    thread_id    TEXT PRIMARY KEY,
    preview      TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    provider     TEXT NOT NULL DEFAULT '',
    cwd          TEXT NOT NULL DEFAULT '',
    source_kind  TEXT NOT NULL DEFAULT '',
    git          TEXT,
    path         TEXT NOT NULL,
    archived     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_thread_summary_archived_created
    ON thread_summary (archived, created_at);
`

// Upsert implements Index.Upsert.
func (x *SQLiteIndex) Upsert(ctx context.Context, s ThreadSummary) error {
	var gitJSON []byte
	if s.Git != nil {
		var err error
		gitJSON, err = json.Marshal(s.Git)
		if err != nil {
			return fmt.Errorf("rollout index: marshal git meta: %w", err)
		}
	}
	archived := 0
	if s.Archived {
		archived = 1
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO thread_summary (thread_id, preview, created_at, updated_at, provider, cwd, source_kind, git, path, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			preview=excluded.preview, updated_at=excluded.updated_at, provider=excluded.provider,
			cwd=excluded.cwd, source_kind=excluded.source_kind, git=excluded.git, path=excluded.path,
			archived=excluded.archived`,
		s.ThreadID, s.Preview, s.CreatedAt.UTC().Format(time.RFC3339Nano), s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		s.Provider, s.Cwd, s.SourceKind, nullableString(gitJSON), s.Path, archived)
	if err != nil {
		return fmt.Errorf("rollout index: upsert: %w", err)
	}
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Remove implements Index.Remove.
func (x *SQLiteIndex) Remove(ctx context.Context, threadID string) error {
	_, err := x.db.ExecContext(ctx, `DELETE FROM thread_summary WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("rollout index: remove: %w", err)
	}
	return nil
}

// All implements Index.All.
func (x *SQLiteIndex) All(ctx context.Context, archived bool) ([]ThreadSummary, error) {
	flag := 0
	if archived {
		flag = 1
	}
	rows, err := x.db.QueryContext(ctx, `
		SELECT thread_id, preview, created_at, updated_at, provider, cwd, source_kind, git, path, archived
		FROM thread_summary WHERE archived = ?`, flag)
	if err != nil {
		return nil, fmt.Errorf("rollout index: query: %w", err)
	}
	defer rows.Close()

	var out []ThreadSummary
	for rows.Next() {
		var s ThreadSummary
		var createdAt, updatedAt string
		var git sql.NullString
		var archivedInt int
		if err := rows.Scan(&s.ThreadID, &s.Preview, &createdAt, &updatedAt, &s.Provider, &s.Cwd, &s.SourceKind, &git, &s.Path, &archivedInt); err != nil {
			return nil, fmt.Errorf("rollout index: scan: %w", err)
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		s.Archived = archivedInt != 0
		if git.Valid {
			var g GitMeta
			if err := json.Unmarshal([]byte(git.String), &g); err == nil {
				s.Git = &g
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rollout index: rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (x *SQLiteIndex) Close() error { return x.db.Close() }
