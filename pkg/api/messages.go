// Package api defines the wire messages exchanged between the collaboration
// server and its clients over the websocket transport. Both sides decode
// these exact shapes; field names are protocol constants.
package api

import (
	"encoding/json"
	"fmt"

	"github.com/avolkov/coedit/pkg/ot"
)

// Message types carried in the envelope.
const (
	TypeConnected         = "connected"
	TypeJoinDocument      = "join-document"
	TypeJoinedDocument    = "joined-document"
	TypeUserJoined        = "user-joined"
	TypeLeaveDocument     = "leave-document"
	TypeLeftDocument      = "left-document"
	TypeUserLeft          = "user-left"
	TypeDocumentOperation = "document-operation"
	TypeOperationAck      = "operation-ack"
	TypeCursorUpdate      = "cursor-update"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

// Message is the envelope for every websocket frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage упаковывает payload в конверт.
func NewMessage(msgType string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// Decode распаковывает payload конверта в v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Position is a 1-based cursor position.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a cursor range.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// User is the presence view of a participant as sent to clients.
// Timestamps are unix milliseconds, as the protocol has always used.
type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Color     string     `json:"color"`
	Cursor    Position   `json:"cursor"`
	Selection *Selection `json:"selection,omitempty"`
	JoinedAt  int64      `json:"joinedAt"`
	LastSeen  int64      `json:"lastSeen"`
}

// Connected подтверждает установленное соединение.
type Connected struct {
	SocketID  string `json:"socketId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// JoinDocument — запрос клиента на вход в комнату документа.
type JoinDocument struct {
	DocumentID string `json:"documentId"`
}

// JoinedDocument — ответ сервера вошедшему: авторитетный контент с его
// версией и полный список присутствующих.
type JoinedDocument struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
	Users      []User `json:"users"`
}

// UserJoined рассылается остальным участникам комнаты.
type UserJoined struct {
	User      User  `json:"user"`
	Timestamp int64 `json:"timestamp"`
}

// LeftDocument подтверждает выход отправителю.
type LeftDocument struct {
	DocumentID string `json:"documentId"`
}

// UserLeft рассылается остальным участникам комнаты. Reason описывает
// причину на уровне транспорта ("leave", "disconnect", "timeout").
type UserLeft struct {
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DocumentOperation carries an operation batch. Client to server it holds
// baseVersion only; server to room it additionally holds the committed
// version the batch was assigned.
type DocumentOperation struct {
	DocumentID  string   `json:"documentId"`
	UserID      string   `json:"userId,omitempty"`
	ClientOpID  string   `json:"clientOpId,omitempty"`
	Operations  ot.Batch `json:"operations"`
	BaseVersion int64    `json:"baseVersion"`
	Version     int64    `json:"version,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
}

// OperationAck подтверждает отправителю принятие его батча. Нарочно не
// содержит операций: отправитель сверяется со своим pending-буфером.
type OperationAck struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	ClientOpID string `json:"clientOpId,omitempty"`
	Version    int64  `json:"version"`
}

// CursorUpdate — широковещательное обновление курсора, не персистится.
type CursorUpdate struct {
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId,omitempty"`
	Color      string     `json:"color,omitempty"`
	Cursor     Position   `json:"cursor"`
	Selection  *Selection `json:"selection,omitempty"`
}

// Pong отвечает на ping клиента.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// Error сигнализирует об ошибке только инициатору.
type Error struct {
	Message string `json:"message"`
}
