package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avolkov/coedit/internal/models"
	"github.com/avolkov/coedit/internal/server/storage"
	"github.com/avolkov/coedit/pkg/ot"
)

// Append persists one history entry.
func (s *Storage) Append(ctx context.Context, entry *models.HistoryEntry) error {
	opsJSON, err := json.Marshal(entry.Operations)
	if err != nil {
		return fmt.Errorf("failed to marshal operations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (document_id, user_id, client_op_id, base_version, version, operations, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.DocumentID,
		entry.UserID,
		entry.ClientOpID,
		entry.BaseVersion,
		entry.Version,
		string(opsJSON),
		entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	return nil
}

// FetchSince returns entries with version > fromVersion in ascending order.
func (s *Storage) FetchSince(ctx context.Context, documentID string, fromVersion int64, limit int) ([]*models.HistoryEntry, error) {
	if limit <= 0 {
		limit = storage.DefaultFetchLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, client_op_id, base_version, version, operations, timestamp
		FROM operations
		WHERE document_id = ? AND version > ?
		ORDER BY version ASC
		LIMIT ?`,
		documentID, fromVersion, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.HistoryEntry, 0)
	for rows.Next() {
		var (
			entry   models.HistoryEntry
			opsJSON string
			tsMilli int64
		)
		if err := rows.Scan(
			&entry.DocumentID,
			&entry.UserID,
			&entry.ClientOpID,
			&entry.BaseVersion,
			&entry.Version,
			&opsJSON,
			&tsMilli,
		); err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}

		var batch ot.Batch
		if err := json.Unmarshal([]byte(opsJSON), &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operations for version %d: %w", entry.Version, err)
		}
		entry.Operations = batch
		entry.Timestamp = time.UnixMilli(tsMilli)

		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operation rows: %w", err)
	}

	return entries, nil
}

// LatestVersion returns the highest persisted version, 0 if none.
func (s *Storage) LatestVersion(ctx context.Context, documentID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM operations WHERE document_id = ?`,
		documentID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest version: %w", err)
	}
	return version, nil
}

// TruncateBefore drops entries with version < beforeVersion.
func (s *Storage) TruncateBefore(ctx context.Context, documentID string, beforeVersion int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM operations WHERE document_id = ? AND version < ?`,
		documentID, beforeVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to truncate operations: %w", err)
	}
	return nil
}
