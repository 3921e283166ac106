package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store on the projects and project_messages tables.
type PostgresStore struct {
	db DB
}

// Schema creates the tables PostgresStore needs if they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	agent_session_id TEXT,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS project_messages (
	id         BIGSERIAL PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS project_messages_project_idx ON project_messages(project_id, created_at);
`

// OpenPostgres connects a pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewPostgresStore(pool), pool.Close, nil
}

// NewPostgresStore wraps an existing connection.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get loads a project row.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Project, error) {
	var (
		p        Project
		agentSID *string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, name, agent_session_id, updated_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &agentSID, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query project %q: %w", id, err)
	}
	if agentSID != nil {
		p.AgentSessionID = *agentSID
	}
	return &p, nil
}

// Update upserts the non-nil fields of u. Last writer wins.
func (s *PostgresStore) Update(ctx context.Context, id string, u Update) error {
	if u.AgentSessionID == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO projects (id, agent_session_id, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET agent_session_id = EXCLUDED.agent_session_id, updated_at = EXCLUDED.updated_at`,
		id, *u.AgentSessionID, time.Now())
	if err != nil {
		return fmt.Errorf("update project %q: %w", id, err)
	}
	return nil
}

// AppendMessage inserts one message row.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO project_messages (project_id, session_id, role, content, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		msg.ProjectID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message for project %q: %w", msg.ProjectID, err)
	}
	return nil
}
