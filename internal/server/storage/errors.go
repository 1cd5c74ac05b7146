package storage

import "errors"

// Common storage errors
var (
	// ErrSnapshotNotFound indicates that the document has no persisted snapshot
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
