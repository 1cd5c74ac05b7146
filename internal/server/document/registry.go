// Package document implements the server side of the reconciliation
// protocol: the authoritative per-document version counter, the append-only
// operation history and the transform-against-unseen-history step that lets
// a lagging client still merge correctly.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/coedit/internal/models"
	"github.com/avolkov/coedit/internal/server/storage"
	"github.com/avolkov/coedit/pkg/ot"
)

// persistTimeout ограничивает асинхронную запись одной операции в лог.
const persistTimeout = 5 * time.Second

// document is the serialized state of one document. All submissions for one
// document go through its mutex; different documents are fully parallel.
type document struct {
	id      string
	content string
	version int64
	history []*models.HistoryEntry

	// horizon — версия, ниже которой история уже усечена; base_version
	// старше горизонта обслужить нельзя.
	horizon int64
	loaded  bool

	mu sync.Mutex
}

// SubmitRequest is one client batch arriving at the server.
type SubmitRequest struct {
	DocumentID  string
	UserID      string
	ClientOpID  string
	Operations  ot.Batch
	BaseVersion int64
}

// Registry owns every live document, keyed by document id. It is the one
// hard serialization point of the system: version increments and history
// appends are linearizable per document.
type Registry struct {
	oplog     storage.OperationLog
	snapshots storage.SnapshotStore
	logger    *slog.Logger

	mu   sync.Mutex
	docs map[string]*document

	// wg отслеживает фоновые записи в лог, чтобы Close их дождался.
	wg sync.WaitGroup
}

// NewRegistry creates an empty document registry.
func NewRegistry(oplog storage.OperationLog, snapshots storage.SnapshotStore, logger *slog.Logger) *Registry {
	return &Registry{
		oplog:     oplog,
		snapshots: snapshots,
		logger:    logger,
		docs:      make(map[string]*document),
	}
}

// open returns the live state for documentID, loading snapshot and log tail
// on first access.
func (r *Registry) open(ctx context.Context, documentID string) (*document, error) {
	r.mu.Lock()
	doc, ok := r.docs[documentID]
	if !ok {
		doc = &document{id: documentID}
		r.docs[documentID] = doc
	}
	r.mu.Unlock()

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.loaded {
		return doc, nil
	}

	// Первое обращение: поднимаем snapshot и хвост лога.
	content, version := "", int64(0)
	snap, err := r.snapshots.Get(ctx, documentID)
	switch {
	case err == nil:
		content, version = snap.Content, snap.Version
	case errors.Is(err, storage.ErrSnapshotNotFound):
		// Новый документ: версия 0, пустое содержимое.
	default:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	for {
		entries, err := r.oplog.FetchSince(ctx, documentID, version, storage.DefaultFetchLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to load operation log: %w", err)
		}
		for _, entry := range entries {
			if content, err = ot.ApplyBatch(content, entry.Operations); err != nil {
				return nil, fmt.Errorf("failed to replay version %d: %w", entry.Version, err)
			}
			version = entry.Version
			doc.history = append(doc.history, entry)
		}
		if len(entries) < storage.DefaultFetchLimit {
			break
		}
	}

	doc.content = content
	doc.version = version
	doc.horizon = version - int64(len(doc.history))
	doc.loaded = true
	return doc, nil
}

// Submit validates the batch, transforms it across every history entry the
// client had not yet seen, commits it at the next version and returns the
// entry to broadcast. The append to the external operation log happens
// asynchronously: persistence failure is logged, never fatal to the live
// protocol.
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (*models.HistoryEntry, error) {
	// Батч без единой эффективной операции (пустой или из одних retain)
	// не должен продвигать версию.
	effective := false
	for _, op := range req.Operations {
		if !ot.IsNoop(op) {
			effective = true
			break
		}
	}
	if !effective {
		return nil, ErrEmptyBatch
	}

	doc, err := r.open(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	if req.BaseVersion < doc.horizon {
		return nil, fmt.Errorf("base version %d, horizon %d: %w", req.BaseVersion, doc.horizon, ErrBaseVersionTooOld)
	}
	if req.BaseVersion > doc.version {
		return nil, fmt.Errorf("base version %d, document version %d: %w", req.BaseVersion, doc.version, ErrBaseVersionAhead)
	}

	// Переписываем батч так, как если бы клиент отправил его уже после всех
	// операций, которых он ещё не видел.
	transformed := req.Operations.Clone()
	for _, entry := range doc.history {
		if entry.Version > req.BaseVersion {
			transformed, _ = ot.TransformBatch(transformed, entry.Operations)
		}
	}

	// Применяем к авторитетному содержимому. Выход за границы после
	// трансформации — это сломанный пир или баг алгебры; такой батч
	// отвергается, а не подрезается.
	newContent, err := ot.ApplyBatch(doc.content, transformed)
	if err != nil {
		return nil, fmt.Errorf("transformed batch rejected: %w", err)
	}

	entry := &models.HistoryEntry{
		DocumentID:  req.DocumentID,
		UserID:      req.UserID,
		ClientOpID:  req.ClientOpID,
		BaseVersion: req.BaseVersion,
		Version:     doc.version + 1,
		Operations:  transformed,
		Timestamp:   time.Now(),
	}

	doc.history = append(doc.history, entry)
	doc.version = entry.Version
	doc.content = newContent

	r.persistAsync(entry.Clone())

	return entry.Clone(), nil
}

// persistAsync appends the entry to the external log off the critical path.
func (r *Registry) persistAsync(entry *models.HistoryEntry) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.oplog.Append(ctx, entry); err != nil {
			r.logger.Error("failed to persist operation",
				"document_id", entry.DocumentID,
				"version", entry.Version,
				"error", err)
		}
	}()
}

// Content returns the current authoritative content and version.
func (r *Registry) Content(ctx context.Context, documentID string) (string, int64, error) {
	doc, err := r.open(ctx, documentID)
	if err != nil {
		return "", 0, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.content, doc.version, nil
}

// Version returns the current committed version of the document.
func (r *Registry) Version(ctx context.Context, documentID string) (int64, error) {
	_, version, err := r.Content(ctx, documentID)
	return version, err
}

// Rebuild reconstructs document content by folding the operation log over
// baseContent, starting after fromVersion, independent of any live session.
func (r *Registry) Rebuild(ctx context.Context, documentID, baseContent string, fromVersion int64) (string, int64, error) {
	content, version := baseContent, fromVersion

	for {
		entries, err := r.oplog.FetchSince(ctx, documentID, version, storage.DefaultFetchLimit)
		if err != nil {
			return "", 0, fmt.Errorf("failed to fetch operations: %w", err)
		}
		for _, entry := range entries {
			if content, err = ot.ApplyBatch(content, entry.Operations); err != nil {
				return "", 0, fmt.Errorf("failed to replay version %d: %w", entry.Version, err)
			}
			version = entry.Version
		}
		if len(entries) < storage.DefaultFetchLimit {
			break
		}
	}

	return content, version, nil
}

// RebuildFromSnapshot rebuilds the latest content starting from the
// persisted snapshot (or an empty document when none exists). Used by the
// read API and by clients recovering a history gap after reconnect.
func (r *Registry) RebuildFromSnapshot(ctx context.Context, documentID string) (string, int64, error) {
	content, version := "", int64(0)
	snap, err := r.snapshots.Get(ctx, documentID)
	switch {
	case err == nil:
		content, version = snap.Content, snap.Version
	case errors.Is(err, storage.ErrSnapshotNotFound):
	default:
		return "", 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return r.Rebuild(ctx, documentID, content, version)
}

// SaveSnapshots writes back the content of every loaded document and trims
// the in-memory history (and the persisted log) below the saved version.
// Failures are logged per document and never abort the sweep.
func (r *Registry) SaveSnapshots(ctx context.Context) {
	r.mu.Lock()
	docs := make([]*document, 0, len(r.docs))
	for _, doc := range r.docs {
		docs = append(docs, doc)
	}
	r.mu.Unlock()

	for _, doc := range docs {
		r.saveSnapshot(ctx, doc)
	}
}

// SaveSnapshot writes back a single document, typically when its last
// participant leaves. Unknown or not yet loaded documents are a no-op.
func (r *Registry) SaveSnapshot(ctx context.Context, documentID string) {
	r.mu.Lock()
	doc, ok := r.docs[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.saveSnapshot(ctx, doc)
}

func (r *Registry) saveSnapshot(ctx context.Context, doc *document) {
	doc.mu.Lock()
	id, content, version := doc.id, doc.content, doc.version
	loaded := doc.loaded
	doc.mu.Unlock()
	if !loaded {
		return
	}

	if err := r.snapshots.Save(ctx, id, content, version); err != nil {
		r.logger.Error("failed to save snapshot", "document_id", id, "version", version, "error", err)
		return
	}

	// Snapshot надёжно сохранён — старую историю можно усекать.
	doc.mu.Lock()
	if doc.version == version {
		doc.history = nil
		doc.horizon = version
	} else {
		kept := doc.history[:0]
		for _, entry := range doc.history {
			if entry.Version > version {
				kept = append(kept, entry)
			}
		}
		doc.history = kept
		doc.horizon = version
	}
	doc.mu.Unlock()

	if err := r.oplog.TruncateBefore(ctx, id, version+1); err != nil {
		r.logger.Warn("failed to truncate operation log", "document_id", id, "error", err)
	}
}

// Run периодически сохраняет snapshot'ы до отмены контекста.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SaveSnapshots(ctx)
		}
	}
}

// Close waits for in-flight log appends and saves a final round of
// snapshots.
func (r *Registry) Close(ctx context.Context) {
	r.wg.Wait()
	r.SaveSnapshots(ctx)
}
