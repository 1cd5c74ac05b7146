// Package postgres implements the operation log and snapshot store on
// PostgreSQL for multi-instance deployments. Single-instance setups can use
// the sqlite implementation instead; both satisfy the same interfaces.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Storage implements the operation log and snapshot store on PostgreSQL.
type Storage struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

// initSchema создает таблицы, если их еще нет.
func (s *Storage) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			client_op_id TEXT NOT NULL DEFAULT '',
			base_version BIGINT NOT NULL,
			version BIGINT NOT NULL,
			operations JSONB NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			UNIQUE (document_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_document_version
			ON operations (document_id, version)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			document_id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
