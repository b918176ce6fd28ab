package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/petal-labs/nodeflow/core"
)

const workflowPostgresSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	nodes JSONB NOT NULL DEFAULT '[]'::jsonb,
	connections JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_user ON workflows(user_id, created_at DESC);`

const workflowPostgresColumns = `id, user_id, name, nodes, connections, created_at, updated_at`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStoreConfig configures the Postgres workflow store.
type PostgresStoreConfig struct {
	// URL is a lib/pq connection string or postgres:// URL.
	URL string

	MaxOpenConns int
	MaxIdleConns int
}

// PostgresStore persists workflows in Postgres with JSONB graph columns.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres store: url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, workflowPostgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: create schema: %w", err)
	}
	return NewPostgresStoreDB(db), nil
}

// NewPostgresStoreDB wraps an open database whose schema already exists.
func NewPostgresStoreDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (core.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowPostgresColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanPostgresWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Workflow{}, ErrWorkflowNotFound
	}
	return wf, err
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]core.Workflow, error) {
	query := `SELECT ` + workflowPostgresColumns + ` FROM workflows`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	defer rows.Close()

	out := []core.Workflow{}
	for rows.Next() {
		wf, err := scanPostgresWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, wf core.Workflow) (core.Workflow, error) {
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
		return core.Workflow{}, fmt.Errorf("postgres store: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO workflows (`+workflowPostgresColumns+`)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)
		 RETURNING `+workflowPostgresColumns,
		wf.ID, wf.UserID, wf.Name, string(nodes), string(conns), wf.CreatedAt, wf.UpdatedAt,
	)
	created, err := scanPostgresWorkflow(row)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return core.Workflow{}, ErrWorkflowExists
		}
		return core.Workflow{}, fmt.Errorf("postgres store: create: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, nodes []core.Node, connections []core.Connection) (core.Workflow, error) {
	n, c, err := encodeGraph(nodes, connections)
	if err != nil {
		return core.Workflow{}, fmt.Errorf("postgres store: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE workflows SET nodes = $1::jsonb, connections = $2::jsonb, updated_at = $3
		 WHERE id = $4 RETURNING `+workflowPostgresColumns,
		string(n), string(c), s.now(), id)
	return s.returning(row, "update")
}

func (s *PostgresStore) Rename(ctx context.Context, id, name string) (core.Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Workflow{}, fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE workflows SET name = $1, updated_at = $2 WHERE id = $3 RETURNING `+workflowPostgresColumns,
		name, s.now(), id)
	return s.returning(row, "rename")
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	return checkAffected(res, err, "postgres store: delete")
}

func (s *PostgresStore) returning(row *sql.Row, op string) (core.Workflow, error) {
	wf, err := scanPostgresWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Workflow{}, ErrWorkflowNotFound
	}
	if err != nil {
		return core.Workflow{}, fmt.Errorf("postgres store: %s: %w", op, err)
	}
	return wf, nil
}

func scanPostgresWorkflow(row rowScanner) (core.Workflow, error) {
	var (
		wf           core.Workflow
		nodes, conns []byte
	)
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &nodes, &conns, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return core.Workflow{}, err
	}
	if err := decodeGraph(nodes, conns, &wf); err != nil {
		return core.Workflow{}, fmt.Errorf("postgres store: workflow %s: %w", wf.ID, err)
	}
	wf.CreatedAt = wf.CreatedAt.UTC()
	wf.UpdatedAt = wf.UpdatedAt.UTC()
	return wf, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

var _ WorkflowStore = (*PostgresStore)(nil)
