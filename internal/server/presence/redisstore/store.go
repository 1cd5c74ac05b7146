// Package redisstore mirrors document presence into Redis: a SET for
// membership plus a HASH of participant JSON per document, both with a TTL
// so abandoned keys expire on their own.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avolkov/coedit/internal/models"
)

const (
	setPrefix  = "presence:set:"
	dataPrefix = "presence:data:"
	keyTTL     = 24 * time.Hour
)

// Store implements presence.Store on Redis.
type Store struct {
	client *redis.Client
}

// New проверяет соединение и возвращает store.
func New(ctx context.Context, client *redis.Client) (*Store, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

func setKey(documentID string) string  { return setPrefix + documentID }
func dataKey(documentID string) string { return dataPrefix + documentID }

// Add registers the participant in the document's presence set.
func (s *Store) Add(ctx context.Context, documentID string, p models.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, setKey(documentID), p.ID)
	pipe.HSet(ctx, dataKey(documentID), p.ID, data)
	pipe.PExpire(ctx, setKey(documentID), keyTTL)
	pipe.PExpire(ctx, dataKey(documentID), keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add presence: %w", err)
	}
	return nil
}

// Remove deletes the participant from the document's presence set.
func (s *Store) Remove(ctx context.Context, documentID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, setKey(documentID), userID)
	pipe.HDel(ctx, dataKey(documentID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// Heartbeat overwrites the stored participant record.
func (s *Store) Heartbeat(ctx context.Context, documentID string, p models.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	if err := s.client.HSet(ctx, dataKey(documentID), p.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}

// Participants returns every stored participant of the document.
func (s *Store) Participants(ctx context.Context, documentID string) ([]models.Participant, error) {
	ids, err := s.client.SMembers(ctx, setKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence set: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, dataKey(documentID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence data: %w", err)
	}

	participants := make([]models.Participant, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var p models.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			// Битая запись не должна ронять весь список.
			continue
		}
		participants = append(participants, p)
	}
	return participants, nil
}
