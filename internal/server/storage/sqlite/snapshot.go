package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/coedit/internal/models"
	"github.com/avolkov/coedit/internal/server/storage"
)

// Get returns the snapshot for the document.
func (s *Storage) Get(ctx context.Context, documentID string) (*models.Snapshot, error) {
	var (
		snap    models.Snapshot
		tsMilli int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, content, version, updated_at
		FROM snapshots
		WHERE document_id = ?`,
		documentID,
	).Scan(&snap.DocumentID, &snap.Content, &snap.Version, &tsMilli)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	snap.UpdatedAt = time.UnixMilli(tsMilli)
	return &snap, nil
}

// Save upserts the document content at the given version.
func (s *Storage) Save(ctx context.Context, documentID, content string, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, content, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET
			content = excluded.content,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		documentID, content, version, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
