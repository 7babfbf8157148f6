// Package postgres is a [knowledge.Source] backed by the knowledge_bases
// table.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/umindsales/magus/internal/knowledge"
)

var _ knowledge.Source = (*Store)(nil)

// StatusActive marks a base that may be searched.
const StatusActive = "ACTIVE"

const ddlKnowledgeBases = `
CREATE TABLE IF NOT EXISTS knowledge_bases (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL,
    description TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL DEFAULT '',
    status      TEXT         NOT NULL DEFAULT 'ACTIVE',
    is_public   BOOLEAN      NOT NULL DEFAULT false,
    created_by  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_bases_status
    ON knowledge_bases (status);
`

const queryAccessible = `
SELECT id, title, description, content
  FROM knowledge_bases
 WHERE status = $1
   AND (is_public OR created_by = $2)
   AND (cardinality($3::text[]) = 0 OR id = ANY($3))
 ORDER BY created_at, id`

// Store reads knowledge bases from PostgreSQL. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn and ensures the table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the knowledge_bases table if it is missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlKnowledgeBases); err != nil {
		return fmt.Errorf("knowledge store: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Accessible implements [knowledge.Source].
func (s *Store) Accessible(ctx context.Context, q knowledge.Query) ([]knowledge.Base, error) {
	ids := q.BaseIDs
	if ids == nil {
		ids = []string{}
	}
	rows, err := s.pool.Query(ctx, queryAccessible, StatusActive, q.UserID, ids)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: query: %w", err)
	}
	bases, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Base, error) {
		var b knowledge.Base
		err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Content)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge store: scan: %w", err)
	}
	return bases, nil
}

// Base is a row to insert with [Store.Put].
type Base struct {
	knowledge.Base
	Status string
	Public bool
	Owner  string
}

// Put inserts or replaces a base. An empty Status means [StatusActive].
func (s *Store) Put(ctx context.Context, b Base) error {
	status := b.Status
	if status == "" {
		status = StatusActive
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO knowledge_bases (id, title, description, content, status, is_public, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    content = EXCLUDED.content,
    status = EXCLUDED.status,
    is_public = EXCLUDED.is_public,
    created_by = EXCLUDED.created_by`,
		b.ID, b.Title, b.Description, b.Content, status, b.Public, b.Owner)
	if err != nil {
		return fmt.Errorf("knowledge store: put %s: %w", b.ID, err)
	}
	return nil
}
