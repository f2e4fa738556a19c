package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowlet/flowlet/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var migration001 string

// migration holds a versioned SQL migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", SQL: migration001},
}

// LibSQLRegistry persists workflow definitions in a libSQL (embedded SQLite
// fork) database.
type LibSQLRegistry struct {
	db *sql.DB
}

// NewLibSQLRegistry opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/flowlet.db".
func NewLibSQLRegistry(dbPath string) (*LibSQLRegistry, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql: %v", err).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow swallows them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLRegistry{db: db}, nil
}

// Migrate applies pending schema migrations.
func (r *LibSQLRegistry) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (r *LibSQLRegistry) Put(ctx context.Context, wf *StoredWorkflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal definition: %v", err).WithCause(err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workflows (name, source, definition, created_at, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET
		   source=excluded.source, definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		wf.Name, wf.Source, string(def),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "store workflow %q: %v", wf.Name, err).WithCause(err)
	}
	return nil
}

func (r *LibSQLRegistry) Get(ctx context.Context, name string) (*StoredWorkflow, error) {
	wf := &StoredWorkflow{}
	var def string
	err := r.db.QueryRowContext(ctx,
		`SELECT name, source, definition, created_at, updated_at FROM workflows WHERE name = ?`, name,
	).Scan(&wf.Name, &wf.Source, &def, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load workflow %q: %v", name, err).WithCause(err)
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode workflow %q: %v", name, err).WithCause(err)
	}
	return wf, nil
}

func (r *LibSQLRegistry) List(ctx context.Context) ([]*StoredWorkflow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, source, definition, created_at, updated_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list workflows: %v", err).WithCause(err)
	}
	defer rows.Close()

	var out []*StoredWorkflow
	for rows.Next() {
		wf := &StoredWorkflow{}
		var def string
		if err := rows.Scan(&wf.Name, &wf.Source, &def, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan workflow row: %v", err).WithCause(err)
		}
		if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode workflow %q: %v", wf.Name, err).WithCause(err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (r *LibSQLRegistry) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete workflow %q: %v", name, err).WithCause(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound(name)
	}
	return nil
}

func (r *LibSQLRegistry) Close() error { return r.db.Close() }

// splitStatements splits a SQL script on semicolons, skipping comment-only
// fragments.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		hasCode := false
		for _, l := range strings.Split(s, "\n") {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

var _ Registry = (*LibSQLRegistry)(nil)
