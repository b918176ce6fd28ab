package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/nodeflow/core"

	_ "modernc.org/sqlite"
)

const workflowSQLiteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	nodes TEXT NOT NULL DEFAULT '[]',
	connections TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_user
ON workflows(user_id, created_at);`

const workflowSQLiteColumns = `id, user_id, name, nodes, connections, created_at, updated_at`

// SQLiteStoreConfig configures the SQLite workflow store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists workflows in SQLite with JSON graph columns.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite-backed workflow store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store: dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(workflowSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: create schema: %w", err)
	}
	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (core.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowSQLiteColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanSQLiteWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Workflow{}, ErrWorkflowNotFound
	}
	return wf, err
}

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]core.Workflow, error) {
	query := `SELECT ` + workflowSQLiteColumns + ` FROM workflows`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	defer rows.Close()

	out := []core.Workflow{}
	for rows.Next() {
		wf, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Create(ctx context.Context, wf core.Workflow) (core.Workflow, error) {
	wf, err := prepare(wf)
	if err != nil {
		return core.Workflow{}, err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := s.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	nodes, conns, err := encodeGraph(wf.Nodes, wf.Connections)
	if err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowSQLiteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, string(nodes), string(conns),
		formatSQLiteTime(wf.CreatedAt), formatSQLiteTime(wf.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return core.Workflow{}, ErrWorkflowExists
		}
		return core.Workflow{}, fmt.Errorf("sqlite store: create: %w", err)
	}
	return s.Get(ctx, wf.ID)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, nodes []core.Node, connections []core.Connection) (core.Workflow, error) {
	n, c, err := encodeGraph(nodes, connections)
	if err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET nodes = ?, connections = ?, updated_at = ? WHERE id = ?`,
		string(n), string(c), formatSQLiteTime(s.now()), id)
	if err := checkAffected(res, err, "sqlite store: update"); err != nil {
		return core.Workflow{}, err
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Rename(ctx context.Context, id, name string) (core.Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Workflow{}, fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, updated_at = ? WHERE id = ?`,
		name, formatSQLiteTime(s.now()), id)
	if err := checkAffected(res, err, "sqlite store: rename"); err != nil {
		return core.Workflow{}, err
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	return checkAffected(res, err, "sqlite store: delete")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row rowScanner) (core.Workflow, error) {
	var (
		wf               core.Workflow
		nodes, conns     string
		created, updated string
	)
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &nodes, &conns, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Workflow{}, err
		}
		return core.Workflow{}, fmt.Errorf("sqlite store: scan workflow: %w", err)
	}
	if err := decodeGraph([]byte(nodes), []byte(conns), &wf); err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store: workflow %s: %w", wf.ID, err)
	}
	var err error
	if wf.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store: parse created_at: %w", err)
	}
	if wf.UpdatedAt, err = time.Parse(sqliteTimeLayout, updated); err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store: parse updated_at: %w", err)
	}
	return wf, nil
}

// sqliteTimeLayout is fixed width so TEXT ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// checkAffected maps an exec result that touched no rows to
// ErrWorkflowNotFound.
func checkAffected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s affected rows: %w", op, err)
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

var _ WorkflowStore = (*SQLiteStore)(nil)
