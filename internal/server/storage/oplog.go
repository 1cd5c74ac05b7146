package storage

import (
	"context"

	"github.com/avolkov/coedit/internal/models"
)

//go:generate moq -out oplog_mock.go . OperationLog

// OperationLog defines the external append-only log of accepted operation
// batches. The live protocol appends asynchronously and never blocks on it;
// replay/rebuild logic reads it back in version order.
type OperationLog interface {
	// Append persists one accepted history entry.
	Append(ctx context.Context, entry *models.HistoryEntry) error

	// FetchSince returns entries with version > fromVersion in ascending
	// version order, at most limit entries (limit <= 0 means the default).
	FetchSince(ctx context.Context, documentID string, fromVersion int64, limit int) ([]*models.HistoryEntry, error)

	// LatestVersion returns the highest persisted version for the document,
	// 0 if none.
	LatestVersion(ctx context.Context, documentID string) (int64, error)

	// TruncateBefore drops entries with version < beforeVersion. History is
	// the one unbounded-growth risk of the system: once a snapshot at or
	// past beforeVersion is durable, older entries are dead weight.
	TruncateBefore(ctx context.Context, documentID string, beforeVersion int64) error
}

// DefaultFetchLimit ограничивает выборку истории за один запрос.
const DefaultFetchLimit = 500
