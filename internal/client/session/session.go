// Package session implements the client side of the reconciliation
// protocol: optimistic local text, the buffer of unconfirmed local
// operations and the transforms that keep both consistent with operations
// arriving from the server.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/avolkov/coedit/pkg/api"
	"github.com/avolkov/coedit/pkg/ot"
)

// PendingOp is one locally applied but not yet server-confirmed batch.
// Only the head of the buffer is ever in flight: later entries wait for the
// head's acknowledgement, so the server always sees a batch whose base
// version it can transform against without double-counting earlier local
// edits.
type PendingOp struct {
	ClientOpID  string
	Operations  ot.Batch
	BaseVersion int64
}

// Session is the per-document client state machine. Local edits and inbound
// network events must be serialized onto it (the UI event loop); the mutex
// only guards against accidental cross-goroutine reads.
type Session struct {
	documentID string
	userID     string
	logger     *slog.Logger

	mu        sync.Mutex
	text      string
	confirmed int64
	pending   []PendingOp
	inflight  bool
}

// New creates a session seeded with the server content and version from
// joined-document.
func New(documentID, userID, text string, version int64, logger *slog.Logger) *Session {
	return &Session{
		documentID: documentID,
		userID:     userID,
		logger:     logger,
		text:       text,
		confirmed:  version,
	}
}

// OnContentChanged diffs the new editor text against the local state and
// queues the batch as pending. The local text updates immediately: the user
// never waits on the network to see their own keystrokes. The returned
// message, when ok, must be sent to the server; ok is false when nothing
// changed or another batch is still in flight (the edit is queued and
// NextMessage releases it after the acknowledgement).
func (s *Session) OnContentChanged(newText string) (api.DocumentOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := ot.Diff(s.text, newText)
	if len(batch) == 0 {
		return api.DocumentOperation{}, false
	}

	s.pending = append(s.pending, PendingOp{
		ClientOpID: uuid.NewString(),
		Operations: batch,
	})
	s.text = newText

	return s.nextLocked()
}

// NextMessage returns the next queued batch to send, if the previous one
// has been acknowledged. Callers invoke it after ApplyAck/ApplyRemote.
func (s *Session) NextMessage() (api.DocumentOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

// nextLocked marks the head of the buffer in flight, stamping it with the
// current confirmed version. Head coordinates are always relative to the
// confirmed server content: every earlier local edit has been acknowledged
// and every applied remote edit has re-expressed the buffer.
func (s *Session) nextLocked() (api.DocumentOperation, bool) {
	if s.inflight || len(s.pending) == 0 {
		return api.DocumentOperation{}, false
	}

	head := &s.pending[0]
	head.BaseVersion = s.confirmed
	s.inflight = true

	return api.DocumentOperation{
		DocumentID:  s.documentID,
		UserID:      s.userID,
		ClientOpID:  head.ClientOpID,
		Operations:  head.Operations.Clone(),
		BaseVersion: head.BaseVersion,
	}, true
}

// ApplyRemote processes a document-operation broadcast. One pass walks the
// pending buffer transforming both sides of the diamond: each pending entry
// is re-expressed against the incoming batch, and the incoming batch
// against the entry, so the remote edit lands correctly in the
// optimistically edited text and future acknowledgements still line up.
func (s *Session) ApplyRemote(msg api.DocumentOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Version > s.confirmed {
		s.confirmed = msg.Version
	}

	if msg.UserID == s.userID {
		// Серверное эхо нашей же правки: текст её уже содержит, применять
		// повторно нельзя.
		s.dropPending(msg.ClientOpID)
		return nil
	}

	incoming := msg.Operations.Clone()
	pending := make([]PendingOp, len(s.pending))
	copy(pending, s.pending)
	for i := range pending {
		pending[i].Operations, incoming = ot.TransformBatch(pending[i].Operations, incoming)
	}

	newText, err := ot.ApplyBatch(s.text, incoming)
	if err != nil {
		return fmt.Errorf("failed to apply remote operations at version %d: %w", msg.Version, err)
	}
	s.text = newText
	s.pending = pending
	return nil
}

// ApplyAck processes the lightweight acknowledgement: no content change,
// just confirmation bookkeeping that frees the next queued batch.
func (s *Session) ApplyAck(msg api.OperationAck) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Version > s.confirmed {
		s.confirmed = msg.Version
	}
	s.dropPending(msg.ClientOpID)
}

// dropPending removes the entry matching clientOpID and clears the
// in-flight flag. An empty id drops the oldest entry instead: the
// documented compatibility mode for protocol peers that predate client op
// ids.
func (s *Session) dropPending(clientOpID string) {
	if len(s.pending) == 0 {
		return
	}
	s.inflight = false
	if clientOpID == "" {
		s.pending = s.pending[1:]
		return
	}
	for i, p := range s.pending {
		if p.ClientOpID == clientOpID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
	// Подтверждение с незнакомым id: считаем его устаревшим и снимаем самую
	// старую запись, как в режиме совместимости.
	s.logger.Warn("ack for unknown client op, dropping oldest pending",
		"document_id", s.documentID, "client_op_id", clientOpID)
	s.pending = s.pending[1:]
}

// Reset replaces the session state after a gap recovery or reconnect:
// pending edits are discarded, the caller re-diffs the editor content.
func (s *Session) Reset(text string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	s.confirmed = version
	s.pending = nil
	s.inflight = false
}

// Text returns the current optimistic local text.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// ConfirmedVersion returns the last version the server is known to have
// committed or echoed.
func (s *Session) ConfirmedVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

// PendingCount returns the number of unconfirmed local batches.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
