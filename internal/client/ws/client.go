// Package ws is the client websocket transport: it dials the server,
// joins a document room, feeds inbound protocol messages into the session
// state machine and emits local edits, reconnecting through the lifecycle
// manager on connection loss.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avolkov/coedit/internal/client/conn"
	"github.com/avolkov/coedit/internal/client/session"
	"github.com/avolkov/coedit/internal/client/storage/boltdb"
	"github.com/avolkov/coedit/pkg/api"
)

const (
	// writeWait ограничивает время записи одного сообщения
	writeWait = 10 * time.Second
	// pingPeriod задаёт частоту протокольных ping (и heartbeat присутствия)
	pingPeriod = 15 * time.Second
)

// ErrNotConnected is returned by Edit when no live connection exists.
var ErrNotConnected = errors.New("not connected")

// Handler receives protocol events the application cares about. All
// callbacks run on the read loop goroutine.
type Handler struct {
	// OnDocument вызывается после каждого изменения подтверждённого текста
	OnDocument func(content string, version int64)
	// OnUserJoined/OnUserLeft отражают изменения состава комнаты
	OnUserJoined func(user api.User)
	OnUserLeft   func(userID, name, reason string)
	// OnCursor вызывается на cursor-update других участников
	OnCursor func(upd api.CursorUpdate)
	// OnError вызывается на сообщение об ошибке от сервера
	OnError func(message string)
}

// Client is a headless document client: one server, one document.
type Client struct {
	serverURL  string
	token      string
	documentID string
	logger     *slog.Logger
	cache      *boltdb.Storage
	handler    Handler
	manager    *conn.Manager

	mu       sync.Mutex
	ws       *websocket.Conn
	sess     *session.Session
	userID   string
	joined   chan struct{}
	isJoined bool
}

// New creates a client for one document. cache may be nil to skip local
// persistence.
func New(serverURL, token, documentID string, cache *boltdb.Storage, handler Handler, logger *slog.Logger) *Client {
	c := &Client{
		serverURL:  serverURL,
		token:      token,
		documentID: documentID,
		logger:     logger,
		cache:      cache,
		handler:    handler,
		joined:     make(chan struct{}),
	}
	c.manager = conn.NewManager(conn.DefaultConfig(), c.dial, logger)
	return c
}

// Run drives the connection until ctx is cancelled. Reconnects re-join the
// document automatically.
func (c *Client) Run(ctx context.Context) error {
	return c.manager.Run(ctx)
}

// State returns the connection lifecycle state.
func (c *Client) State() conn.State {
	return c.manager.State()
}

// Reconnect restarts a permanently failed connection.
func (c *Client) Reconnect() {
	c.manager.Reconnect()
}

// WaitJoined blocks until the first successful document join or ctx done.
func (c *Client) WaitJoined(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.joined:
		return nil
	}
}

// Text returns the current optimistic document text.
func (c *Client) Text() string {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ""
	}
	return sess.Text()
}

// Edit replaces the document text with newText: the difference is applied
// locally at once and sent to the server.
func (c *Client) Edit(newText string) error {
	c.mu.Lock()
	ws, sess := c.ws, c.sess
	c.mu.Unlock()
	if ws == nil || sess == nil {
		return ErrNotConnected
	}

	op, ok := sess.OnContentChanged(newText)
	if !ok {
		return nil
	}
	return c.send(api.TypeDocumentOperation, op)
}

// PendingCount reports unconfirmed local batches (0 = fully synced).
func (c *Client) PendingCount() int {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return 0
	}
	return sess.PendingCount()
}

// dial is the conn.Manager callback: one full connection lifetime.
func (c *Client) dial(ctx context.Context) error {
	wsURL, err := c.wsURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	if err := c.send(api.TypeJoinDocument, api.JoinDocument{DocumentID: c.documentID}); err != nil {
		return err
	}

	// Закрытие по отмене контекста, не дожидаясь следующего чтения
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = ws.Close()
		case <-done:
		}
	}()

	go c.pingLoop(ctx, ws)

	return c.readLoop(ws)
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		var msg api.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		c.dispatch(&msg)
	}
}

func (c *Client) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(api.TypePing, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(msg *api.Message) {
	switch msg.Type {
	case api.TypeConnected:
		var m api.Connected
		if err := msg.Decode(&m); err != nil {
			c.logger.Warn("malformed connected message", "error", err)
			return
		}
		c.mu.Lock()
		c.userID = m.UserID
		c.mu.Unlock()
		c.logger.Info("connected", "user_id", m.UserID, "username", m.Username)

	case api.TypeJoinedDocument:
		c.handleJoined(msg)

	case api.TypeDocumentOperation:
		c.handleOperation(msg)

	case api.TypeOperationAck:
		c.handleAck(msg)

	case api.TypeUserJoined:
		var m api.UserJoined
		if err := msg.Decode(&m); err == nil && c.handler.OnUserJoined != nil {
			c.handler.OnUserJoined(m.User)
		}

	case api.TypeUserLeft:
		var m api.UserLeft
		if err := msg.Decode(&m); err == nil && c.handler.OnUserLeft != nil {
			c.handler.OnUserLeft(m.UserID, m.Name, m.Reason)
		}

	case api.TypeCursorUpdate:
		var m api.CursorUpdate
		if err := msg.Decode(&m); err == nil && c.handler.OnCursor != nil {
			c.handler.OnCursor(m)
		}

	case api.TypePong:
		// heartbeat подтверждён, ничего делать не нужно

	case api.TypeError:
		var m api.Error
		if err := msg.Decode(&m); err == nil {
			c.logger.Warn("server error", "message", m.Message)
			if c.handler.OnError != nil {
				c.handler.OnError(m.Message)
			}
		}

	default:
		c.logger.Debug("ignoring message", "type", msg.Type)
	}
}

func (c *Client) handleJoined(msg *api.Message) {
	var m api.JoinedDocument
	if err := msg.Decode(&m); err != nil {
		c.logger.Warn("malformed joined-document message", "error", err)
		return
	}

	c.mu.Lock()
	if c.sess == nil {
		c.sess = session.New(m.DocumentID, c.userID, m.Content, m.Version, c.logger)
	} else {
		// Повторный join после reconnect: локальные несохранённые правки
		// отбрасываются в пользу авторитетного контента
		c.sess.Reset(m.Content, m.Version)
	}
	if !c.isJoined {
		c.isJoined = true
		close(c.joined)
	}
	c.mu.Unlock()

	c.manager.MarkConnected()
	c.logger.Info("joined document",
		"document_id", m.DocumentID, "version", m.Version, "users", len(m.Users))

	c.persist(m.Content, m.Version)
	if c.handler.OnDocument != nil {
		c.handler.OnDocument(m.Content, m.Version)
	}
}

func (c *Client) handleOperation(msg *api.Message) {
	var m api.DocumentOperation
	if err := msg.Decode(&m); err != nil {
		c.logger.Warn("malformed document-operation message", "error", err)
		return
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}

	if err := sess.ApplyRemote(m); err != nil {
		c.logger.Error("failed to apply remote operation", "version", m.Version, "error", err)
		return
	}
	c.sendNext(sess)

	c.persistConfirmed(sess)
	if c.handler.OnDocument != nil {
		c.handler.OnDocument(sess.Text(), sess.ConfirmedVersion())
	}
}

func (c *Client) handleAck(msg *api.Message) {
	var m api.OperationAck
	if err := msg.Decode(&m); err != nil {
		c.logger.Warn("malformed operation-ack message", "error", err)
		return
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}

	sess.ApplyAck(m)
	c.sendNext(sess)
	c.persistConfirmed(sess)
}

// sendNext отправляет следующий батч из очереди, когда предыдущий подтверждён
func (c *Client) sendNext(sess *session.Session) {
	op, ok := sess.NextMessage()
	if !ok {
		return
	}
	if err := c.send(api.TypeDocumentOperation, op); err != nil {
		c.logger.Warn("failed to send queued operation", "error", err)
	}
}

// persistConfirmed кэширует текущее состояние сессии, только когда все
// локальные правки подтверждены: с непустой очередью Text() оптимистичен,
// а кэш хранит исключительно подтверждённый сервером текст.
func (c *Client) persistConfirmed(sess *session.Session) {
	if sess.PendingCount() > 0 {
		return
	}
	c.persist(sess.Text(), sess.ConfirmedVersion())
}

// persist сохраняет подтверждённое состояние в локальный кэш best-effort
func (c *Client) persist(content string, version int64) {
	if c.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.cache.SaveDocument(ctx, boltdb.CachedDocument{
		DocumentID: c.documentID,
		Content:    content,
		Version:    version,
	})
	if err != nil {
		c.logger.Warn("failed to cache document", "document_id", c.documentID, "error", err)
	}
}

func (c *Client) send(msgType string, payload any) error {
	msg, err := api.NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msgType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}
