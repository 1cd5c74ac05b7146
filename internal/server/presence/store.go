package presence

import (
	"context"

	"github.com/avolkov/coedit/internal/models"
)

//go:generate moq -out store_mock.go . Store

// Store mirrors room membership into an external store so multiple server
// instances can see each other's participants. Every call is best effort:
// the in-process manager stays correct when the store is nil or down.
type Store interface {
	// Add registers the participant in the document's presence set.
	Add(ctx context.Context, documentID string, p models.Participant) error

	// Remove deletes the participant from the document's presence set.
	Remove(ctx context.Context, documentID, userID string) error

	// Heartbeat updates the stored participant record.
	Heartbeat(ctx context.Context, documentID string, p models.Participant) error

	// Participants returns every stored participant of the document.
	Participants(ctx context.Context, documentID string) ([]models.Participant, error)
}
