package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/avolkov/coedit/internal/models"
	"github.com/avolkov/coedit/internal/server/storage"
)

// Get returns the snapshot for the document.
func (s *Storage) Get(ctx context.Context, documentID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT document_id, content, version, updated_at
		FROM snapshots
		WHERE document_id = $1`,
		documentID,
	).Scan(&snap.DocumentID, &snap.Content, &snap.Version, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	return &snap, nil
}

// Save upserts the document content at the given version.
func (s *Storage) Save(ctx context.Context, documentID, content string, version int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (document_id, content, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET
			content = EXCLUDED.content,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		documentID, content, version, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
