package models

import (
	"time"

	"github.com/avolkov/coedit/pkg/ot"
)

// HistoryEntry представляет один принятый сервером батч операций.
// История документа — append-only список таких записей, упорядоченный по
// Version; запись создаётся и изменяется только протоколом согласования,
// replay-логика её лишь читает.
type HistoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	DocumentID  string    `json:"document_id"`
	UserID      string    `json:"user_id"`
	ClientOpID  string    `json:"client_op_id,omitempty"`
	Operations  ot.Batch  `json:"operations"`
	BaseVersion int64     `json:"base_version"`
	Version     int64     `json:"version"`
}

// Clone создает глубокую копию записи истории.
func (e *HistoryEntry) Clone() *HistoryEntry {
	out := *e
	out.Operations = e.Operations.Clone()
	return &out
}

// Snapshot is a persisted document state: the content at a committed version.
// Rebuild starts from a snapshot and folds the operation log over it.
type Snapshot struct {
	UpdatedAt  time.Time `json:"updated_at"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	Version    int64     `json:"version"`
}
