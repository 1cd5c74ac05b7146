package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/coedit/internal/server/document"
	"github.com/avolkov/coedit/internal/server/storage/sqlite"
	"github.com/avolkov/coedit/pkg/ot"
)

func setupTestAPI(t *testing.T) (*mux.Router, *document.Registry, *sqlite.Storage) {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.DiscardHandler)
	registry := document.NewRegistry(st, st, logger)
	h := NewDocumentsHandler(logger, registry, st)

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/documents/{id}/content", h.Content).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/documents/{id}/operations", h.Operations).Methods(http.MethodGet)

	return router, registry, st
}

func submitText(t *testing.T, registry *document.Registry, st *sqlite.Storage, documentID string, batches []ot.Batch) {
	t.Helper()
	ctx := context.Background()
	for i, batch := range batches {
		_, err := registry.Submit(ctx, document.SubmitRequest{
			DocumentID:  documentID,
			UserID:      "alice",
			Operations:  batch,
			BaseVersion: int64(i),
		})
		require.NoError(t, err)
	}
	// Записи в лог асинхронные: дожидаемся последней версии
	require.Eventually(t, func() bool {
		v, err := st.LatestVersion(ctx, documentID)
		return err == nil && v >= int64(len(batches))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestContent(t *testing.T) {
	router, registry, st := setupTestAPI(t)

	submitText(t, registry, st, "doc-1", []ot.Batch{
		{ot.Insert{Pos: 0, Text: "hello"}},
		{ot.Insert{Pos: 5, Text: " world"}},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/content", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ContentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "doc-1", resp.DocumentID)
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, int64(2), resp.Version)
}

func TestContent_EmptyDocument(t *testing.T) {
	router, _, _ := setupTestAPI(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/fresh/content", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ContentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "", resp.Content)
	assert.Equal(t, int64(0), resp.Version)
}

func TestContent_InvalidID(t *testing.T) {
	router, _, _ := setupTestAPI(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/bad%20id/content", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperations(t *testing.T) {
	router, registry, st := setupTestAPI(t)

	submitText(t, registry, st, "doc-1", []ot.Batch{
		{ot.Insert{Pos: 0, Text: "a"}},
		{ot.Insert{Pos: 1, Text: "b"}},
		{ot.Insert{Pos: 2, Text: "c"}},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/operations?since=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp OperationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Operations, 2)
	assert.Equal(t, int64(2), resp.Operations[0].Version)
	assert.Equal(t, int64(3), resp.Operations[1].Version)
	assert.Equal(t, int64(3), resp.NextSince)
	assert.Equal(t, int64(3), resp.LatestVersion)
	assert.Equal(t, ot.Batch{ot.Insert{Pos: 1, Text: "b"}}, resp.Operations[0].Operations)
}

func TestOperations_Limit(t *testing.T) {
	router, registry, st := setupTestAPI(t)

	submitText(t, registry, st, "doc-1", []ot.Batch{
		{ot.Insert{Pos: 0, Text: "a"}},
		{ot.Insert{Pos: 1, Text: "b"}},
		{ot.Insert{Pos: 2, Text: "c"}},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/operations?limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp OperationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Operations, 2)
	assert.Equal(t, int64(2), resp.NextSince)
	// Голова лога показывает, что остались невыбранные страницы
	assert.Equal(t, int64(3), resp.LatestVersion)
}

func TestOperations_BadQueryParams(t *testing.T) {
	router, _, _ := setupTestAPI(t)

	for _, target := range []string{
		"/api/v1/documents/doc-1/operations?since=abc",
		"/api/v1/documents/doc-1/operations?limit=0",
		"/api/v1/documents/doc-1/operations?limit=-5",
		"/api/v1/documents/doc-1/operations?limit=100000",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}
