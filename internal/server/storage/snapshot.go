package storage

import (
	"context"

	"github.com/avolkov/coedit/internal/models"
)

//go:generate moq -out snapshot_mock.go . SnapshotStore

// SnapshotStore defines the external document snapshot store. The core only
// reads a starting snapshot for rebuild and writes content back; document
// metadata (title, permissions) lives outside the core entirely.
type SnapshotStore interface {
	// Get returns the snapshot for the document.
	// Returns ErrSnapshotNotFound if the document was never saved.
	Get(ctx context.Context, documentID string) (*models.Snapshot, error)

	// Save writes the content at the given committed version.
	Save(ctx context.Context, documentID, content string, version int64) error
}
