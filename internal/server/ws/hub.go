// Package ws is the websocket transport of the collaboration server: it
// upgrades connections, dispatches protocol messages to the document
// registry and the presence manager, and broadcasts room-scoped events.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/coedit/internal/models"
	"github.com/avolkov/coedit/internal/server/document"
	"github.com/avolkov/coedit/internal/server/presence"
	"github.com/avolkov/coedit/pkg/api"
)

// Hub держит подключённых клиентов по комнатам документов. Членство в
// комнате как сущность протокола принадлежит presence-менеджеру; хаб лишь
// знает, в какие соединения писать.
type Hub struct {
	logger   *slog.Logger
	registry *document.Registry
	presence *presence.Manager

	mu    sync.Mutex
	rooms map[string]map[*Client]bool
}

// NewHub creates a hub over the document registry and presence manager.
func NewHub(registry *document.Registry, pm *presence.Manager, logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		registry: registry,
		presence: pm,
		rooms:    make(map[string]map[*Client]bool),
	}
}

// joinRoom registers the connection in the document room.
func (h *Hub) joinRoom(c *Client, documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[documentID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[documentID] = room
	}
	room[c] = true
}

// leaveRoom removes the connection from the document room. The last
// connection out triggers a snapshot write-back of the document.
func (h *Hub) leaveRoom(c *Client, documentID string) {
	h.mu.Lock()
	room, ok := h.rooms[documentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(room, c)
	empty := len(room) == 0
	if empty {
		delete(h.rooms, documentID)
	}
	h.mu.Unlock()

	if empty {
		go h.snapshotOnEmpty(documentID)
	}
}

func (h *Hub) snapshotOnEmpty(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.registry.SaveSnapshot(ctx, documentID)
}

// Broadcast sends the message to every connection in the room except the
// given one (nil except means everyone). Fire-and-forget: a client whose
// send buffer is full is dropped, never waited on.
func (h *Hub) Broadcast(documentID string, msgType string, payload any, except *Client) {
	msg, err := api.NewMessage(msgType, payload)
	if err != nil {
		h.logger.Error("failed to build broadcast", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", "type", msgType, "error", err)
		return
	}

	var slow []*Client
	h.mu.Lock()
	for c := range h.rooms[documentID] {
		if c == except {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Медленный клиент: буфер переполнен, отключаем.
			delete(h.rooms[documentID], c)
			slow = append(slow, c)
		}
	}
	if room, ok := h.rooms[documentID]; ok && len(room) == 0 {
		delete(h.rooms, documentID)
		go h.snapshotOnEmpty(documentID)
	}
	h.mu.Unlock()

	// send-канал никогда не закрывается: его писатели (reply, Broadcast)
	// живут на чужих горутинах. Закрытие соединения останавливает оба
	// pump'а и ведёт к штатному disconnect этого клиента.
	for _, c := range slow {
		h.logger.Warn("dropping slow client",
			"socket_id", c.socketID, "user_id", c.userID, "document_id", documentID)
		c.conn.Close()
	}
}

// HandleEviction is wired as the presence manager's evict callback: it
// announces the timeout to the remaining room members and detaches the
// evicted participant's connections.
func (h *Hub) HandleEviction(documentID string, p models.Participant) {
	var stale []*Client
	h.mu.Lock()
	for c := range h.rooms[documentID] {
		if c.userID == p.ID {
			delete(h.rooms[documentID], c)
			stale = append(stale, c)
		}
	}
	if room, ok := h.rooms[documentID]; ok && len(room) == 0 {
		delete(h.rooms, documentID)
		go h.snapshotOnEmpty(documentID)
	}
	h.mu.Unlock()

	for _, c := range stale {
		c.detachRoom(documentID)
	}

	h.Broadcast(documentID, api.TypeUserLeft, api.UserLeft{
		UserID:    p.ID,
		Name:      p.Name,
		Reason:    "timeout",
		Timestamp: time.Now().UnixMilli(),
	}, nil)
}

// Shutdown закрывает все соединения.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	var clients []*Client
	for _, room := range h.rooms {
		for c := range room {
			clients = append(clients, c)
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}
