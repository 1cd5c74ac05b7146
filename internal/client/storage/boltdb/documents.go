package boltdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// ErrDocumentNotCached is returned by GetDocument when nothing has been
// cached for the document yet.
var ErrDocumentNotCached = errors.New("document not cached")

// CachedDocument is the persisted snapshot of a document as last confirmed
// by the server. Pending local edits are deliberately not stored: after a
// restart they are unrecoverable anyway and replaying them against a moved
// server version would be wrong.
type CachedDocument struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
}

// SaveDocument saves the confirmed content and version for a document
func (s *Storage) SaveDocument(ctx context.Context, doc CachedDocument) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDocuments)
		if bucket == nil {
			return fmt.Errorf("documents bucket not found")
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}

		if err := bucket.Put([]byte(doc.DocumentID), data); err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}

		return nil
	})
}

// GetDocument retrieves the cached document by id
// Returns ErrDocumentNotCached if the document has never been saved
func (s *Storage) GetDocument(ctx context.Context, documentID string) (CachedDocument, error) {
	var doc CachedDocument

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDocuments)
		if bucket == nil {
			return fmt.Errorf("documents bucket not found")
		}

		data := bucket.Get([]byte(documentID))
		if data == nil {
			return ErrDocumentNotCached
		}

		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to unmarshal document: %w", err)
		}
		return nil
	})

	if err != nil {
		return CachedDocument{}, err
	}

	return doc, nil
}

// DeleteDocument removes a cached document. Missing entries are not an error
func (s *Storage) DeleteDocument(ctx context.Context, documentID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDocuments)
		if bucket == nil {
			return fmt.Errorf("documents bucket not found")
		}

		if err := bucket.Delete([]byte(documentID)); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return nil
	})
}

// ListDocuments returns every cached document id
func (s *Storage) ListDocuments(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDocuments)
		if bucket == nil {
			return fmt.Errorf("documents bucket not found")
		}

		return bucket.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return ids, nil
}
