package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/avolkov/coedit/internal/server/document"
	"github.com/avolkov/coedit/internal/server/storage"
	"github.com/avolkov/coedit/internal/validation"
	"github.com/avolkov/coedit/pkg/api"
)

// DocumentsHandler обслуживает REST-доступ к документам: чтение текущего
// контента и выборка истории операций. Мутации идут только через websocket
type DocumentsHandler struct {
	logger   *slog.Logger
	registry *document.Registry
	oplog    storage.OperationLog
}

// NewDocumentsHandler создает новый handler для документов
func NewDocumentsHandler(logger *slog.Logger, registry *document.Registry, oplog storage.OperationLog) *DocumentsHandler {
	return &DocumentsHandler{
		logger:   logger,
		registry: registry,
		oplog:    oplog,
	}
}

// ContentResponse представляет ответ с контентом документа
type ContentResponse struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
}

// OperationsResponse представляет страницу истории операций
type OperationsResponse struct {
	DocumentID string                  `json:"documentId"`
	Operations []api.DocumentOperation `json:"operations"`
	// NextSince подставляется в following запрос как ?since=
	NextSince int64 `json:"nextSince"`
	// LatestVersion — голова лога; пока NextSince < LatestVersion, у
	// клиента остаются невыбранные страницы
	LatestVersion int64 `json:"latestVersion"`
}

// Content обрабатывает GET /api/v1/documents/{id}/content
// Возвращает авторитетный контент: snapshot + replay хвоста лога
func (h *DocumentsHandler) Content(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	if err := validation.ValidateDocumentID(documentID); err != nil {
		h.logger.Warn("Invalid document id", "document_id", documentID, "error", err)
		http.Error(w, "Invalid document id", http.StatusBadRequest)
		return
	}

	content, version, err := h.registry.RebuildFromSnapshot(r.Context(), documentID)
	if err != nil {
		h.logger.Error("Failed to rebuild document", "document_id", documentID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, ContentResponse{
		DocumentID: documentID,
		Content:    content,
		Version:    version,
	})
}

// Operations обрабатывает GET /api/v1/documents/{id}/operations?since=N&limit=M
// Возвращает операции с версией строго больше since в порядке возрастания
func (h *DocumentsHandler) Operations(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	if err := validation.ValidateDocumentID(documentID); err != nil {
		h.logger.Warn("Invalid document id", "document_id", documentID, "error", err)
		http.Error(w, "Invalid document id", http.StatusBadRequest)
		return
	}

	since, err := queryInt64(r, "since", 0)
	if err != nil {
		http.Error(w, "Invalid since parameter", http.StatusBadRequest)
		return
	}
	limit, err := queryInt64(r, "limit", storage.DefaultFetchLimit)
	if err != nil || limit <= 0 || limit > storage.DefaultFetchLimit {
		http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
		return
	}

	entries, err := h.oplog.FetchSince(r.Context(), documentID, since, int(limit))
	if err != nil {
		h.logger.Error("Failed to fetch operations", "document_id", documentID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	latest, err := h.oplog.LatestVersion(r.Context(), documentID)
	if err != nil {
		h.logger.Error("Failed to read latest version", "document_id", documentID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ops := make([]api.DocumentOperation, 0, len(entries))
	nextSince := since
	for _, entry := range entries {
		ops = append(ops, api.DocumentOperation{
			DocumentID:  entry.DocumentID,
			UserID:      entry.UserID,
			ClientOpID:  entry.ClientOpID,
			Operations:  entry.Operations,
			BaseVersion: entry.BaseVersion,
			Version:     entry.Version,
			Timestamp:   entry.Timestamp.UnixMilli(),
		})
		if entry.Version > nextSince {
			nextSince = entry.Version
		}
	}

	writeJSON(w, h.logger, OperationsResponse{
		DocumentID:    documentID,
		Operations:    ops,
		NextSince:     nextSince,
		LatestVersion: latest,
	})
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}
