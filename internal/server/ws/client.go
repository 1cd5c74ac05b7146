package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avolkov/coedit/internal/server/document"
	"github.com/avolkov/coedit/internal/validation"
	"github.com/avolkov/coedit/pkg/api"
)

const (
	// writeWait — таймаут записи одного сообщения.
	writeWait = 10 * time.Second
	// pongWait — сколько ждём активности от клиента.
	pongWait = 60 * time.Second
	// pingPeriod должен быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize ограничивает размер входящего кадра.
	maxMessageSize = 256 * 1024

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection with an authenticated identity.
type Client struct {
	hub    *Hub
	logger *slog.Logger
	conn   *websocket.Conn
	send   chan []byte

	socketID string
	userID   string
	username string

	// mu защищает documentID — текущую комнату соединения.
	mu         sync.Mutex
	documentID string
}

// ServeWS upgrades the request and starts the connection's pumps. Identity
// comes from the token when present, otherwise a stable anonymous id is
// assigned for the lifetime of the connection.
func ServeWS(hub *Hub, auth *Authenticator, w http.ResponseWriter, r *http.Request) {
	identity := auth.Authenticate(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &Client{
		hub:      hub,
		logger:   hub.logger,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		socketID: uuid.NewString(),
		userID:   identity.UserID,
		username: identity.Name,
	}

	c.logger.Info("client connected",
		"socket_id", c.socketID, "user_id", c.userID, "name", c.username, "remote_addr", r.RemoteAddr)

	c.reply(api.TypeConnected, api.Connected{
		SocketID:  c.socketID,
		UserID:    c.userID,
		Username:  c.username,
		Timestamp: time.Now().UnixMilli(),
	})

	go c.writePump()
	go c.readPump()
}

// reply отправляет сообщение только этому соединению.
func (c *Client) reply(msgType string, payload any) {
	msg, err := api.NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error("failed to build reply", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "type", msgType, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// replyError signals a failure to the originating connection only.
func (c *Client) replyError(message string) {
	c.reply(api.TypeError, api.Error{Message: message})
}

func (c *Client) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

func (c *Client) setRoom(documentID string) {
	c.mu.Lock()
	c.documentID = documentID
	c.mu.Unlock()
}

// detachRoom clears the room if it matches (used by timeout eviction).
func (c *Client) detachRoom(documentID string) {
	c.mu.Lock()
	if c.documentID == documentID {
		c.documentID = ""
	}
	c.mu.Unlock()
}

// readPump reads frames, dispatches them and tears the connection down on
// exit. There is exactly one reader per connection.
func (c *Client) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", "socket_id", c.socketID, "error", err)
			}
			return
		}

		var msg api.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError("Invalid message")
			continue
		}
		c.dispatch(&msg)
	}
}

// writePump writes outgoing frames and control pings. There is exactly one
// writer per connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one protocol message.
func (c *Client) dispatch(msg *api.Message) {
	switch msg.Type {
	case api.TypeJoinDocument:
		c.handleJoin(msg)
	case api.TypeLeaveDocument:
		c.handleLeave()
	case api.TypeDocumentOperation:
		c.handleOperation(msg)
	case api.TypeCursorUpdate:
		c.handleCursor(msg)
	case api.TypePing:
		c.handlePing()
	default:
		c.replyError("Unknown message type: " + msg.Type)
	}
}

func (c *Client) handleJoin(msg *api.Message) {
	var req api.JoinDocument
	if err := msg.Decode(&req); err != nil || req.DocumentID == "" {
		c.replyError("Document ID is required")
		return
	}
	if err := validation.ValidateDocumentID(req.DocumentID); err != nil {
		c.replyError("Invalid document id")
		return
	}

	ctx := context.Background()

	// Переход между документами — это leave + join.
	if current := c.room(); current != "" && current != req.DocumentID {
		c.handleLeave()
	}

	content, version, err := c.hub.registry.Content(ctx, req.DocumentID)
	if err != nil {
		c.logger.Error("failed to open document", "document_id", req.DocumentID, "error", err)
		c.replyError("Failed to join document")
		return
	}

	me, _ := c.hub.presence.Join(ctx, req.DocumentID, c.userID, c.username)
	c.hub.joinRoom(c, req.DocumentID)
	c.setRoom(req.DocumentID)

	users := c.hub.presence.Participants(req.DocumentID)
	c.reply(api.TypeJoinedDocument, api.JoinedDocument{
		DocumentID: req.DocumentID,
		Content:    content,
		Version:    version,
		Users:      toAPIUsers(users),
	})

	c.hub.Broadcast(req.DocumentID, api.TypeUserJoined, api.UserJoined{
		User:      toAPIUser(me),
		Timestamp: time.Now().UnixMilli(),
	}, c)
}

func (c *Client) handleLeave() {
	documentID := c.room()
	if documentID == "" {
		return
	}

	removed, ok := c.hub.presence.Leave(context.Background(), documentID, c.userID, "leave")
	c.hub.leaveRoom(c, documentID)
	c.setRoom("")

	if ok {
		c.hub.Broadcast(documentID, api.TypeUserLeft, api.UserLeft{
			UserID:    removed.ID,
			Name:      removed.Name,
			Reason:    "leave",
			Timestamp: time.Now().UnixMilli(),
		}, c)
	}
	c.reply(api.TypeLeftDocument, api.LeftDocument{DocumentID: documentID})
}

func (c *Client) handleOperation(msg *api.Message) {
	var req api.DocumentOperation
	if err := msg.Decode(&req); err != nil || req.DocumentID == "" || len(req.Operations) == 0 {
		c.replyError("Invalid operation payload")
		return
	}

	// Операции принимаются только от участников комнаты.
	if c.room() != req.DocumentID || !c.hub.presence.IsMember(req.DocumentID, c.userID) {
		c.replyError("Not joined to this document room")
		return
	}

	entry, err := c.hub.registry.Submit(context.Background(), document.SubmitRequest{
		DocumentID:  req.DocumentID,
		UserID:      c.userID,
		ClientOpID:  req.ClientOpID,
		Operations:  req.Operations,
		BaseVersion: req.BaseVersion,
	})
	if err != nil {
		c.logger.Warn("operation rejected",
			"document_id", req.DocumentID, "user_id", c.userID, "base_version", req.BaseVersion, "error", err)
		switch {
		case errors.Is(err, document.ErrEmptyBatch):
			c.replyError("Invalid operation payload")
		case errors.Is(err, document.ErrBaseVersionTooOld), errors.Is(err, document.ErrBaseVersionAhead):
			c.replyError("Base version out of range, rebuild required")
		default:
			c.replyError("Failed to process document operation")
		}
		return
	}

	// Остальной комнате — трансформированный батч; отправителю — только ack:
	// он сверяется со своим pending-буфером.
	c.hub.Broadcast(req.DocumentID, api.TypeDocumentOperation, api.DocumentOperation{
		DocumentID:  entry.DocumentID,
		UserID:      entry.UserID,
		ClientOpID:  entry.ClientOpID,
		Operations:  entry.Operations,
		BaseVersion: entry.BaseVersion,
		Version:     entry.Version,
		Timestamp:   entry.Timestamp.UnixMilli(),
	}, c)

	c.reply(api.TypeOperationAck, api.OperationAck{
		DocumentID: entry.DocumentID,
		UserID:     entry.UserID,
		ClientOpID: entry.ClientOpID,
		Version:    entry.Version,
	})
}

func (c *Client) handleCursor(msg *api.Message) {
	var req api.CursorUpdate
	if err := msg.Decode(&req); err != nil || req.DocumentID == "" {
		return
	}
	if c.room() != req.DocumentID {
		return
	}

	cursor := toModelPosition(req.Cursor)
	c.hub.presence.Heartbeat(context.Background(), req.DocumentID, c.userID, &cursor, toModelSelection(req.Selection))

	req.UserID = c.userID
	c.hub.Broadcast(req.DocumentID, api.TypeCursorUpdate, req, c)
}

func (c *Client) handlePing() {
	if documentID := c.room(); documentID != "" {
		c.hub.presence.Heartbeat(context.Background(), documentID, c.userID, nil, nil)
	}
	c.reply(api.TypePong, api.Pong{Timestamp: time.Now().UnixMilli()})
}

// disconnect tears down the connection: presence eviction for this
// participant only, never a document-wide error.
func (c *Client) disconnect() {
	if documentID := c.room(); documentID != "" {
		removed, ok := c.hub.presence.Leave(context.Background(), documentID, c.userID, "disconnect")
		c.hub.leaveRoom(c, documentID)
		c.setRoom("")
		if ok {
			c.hub.Broadcast(documentID, api.TypeUserLeft, api.UserLeft{
				UserID:    removed.ID,
				Name:      removed.Name,
				Reason:    "disconnect",
				Timestamp: time.Now().UnixMilli(),
			}, c)
		}
	}

	c.conn.Close()
	c.logger.Info("client disconnected", "socket_id", c.socketID, "user_id", c.userID)
}
