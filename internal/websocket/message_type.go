package websocket

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the "type" field of every frame. Domain event types
// ("post:created", "karma:changed", ...) travel as MessageType values too.
type MessageType string

const (
	// Connection events
	MessageTypeConnect       MessageType = "connection.connect"
	MessageTypeAuthenticate  MessageType = "connection.authenticate"
	MessageTypeAuthenticated MessageType = "connection.authenticated"

	// Room events
	MessageTypeJoinRoom   MessageType = "room.join"
	MessageTypeLeaveRoom  MessageType = "room.leave"
	MessageTypeRoomJoined MessageType = "room.joined"
	MessageTypeRoomLeft   MessageType = "room.left"

	MessageTypePresenceOffline MessageType = "presence.offline"

	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"

	// Error events
	MessageTypeError MessageType = "error"
)

func (mt MessageType) String() string {
	return string(mt)
}

// IsInbound reports whether clients may send this type.
func (mt MessageType) IsInbound() bool {
	switch mt {
	case MessageTypeAuthenticate, MessageTypeJoinRoom, MessageTypeLeaveRoom, MessageTypePing:
		return true
	default:
		return false
	}
}

// Error codes sent in error frames.
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeUnknownType      = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeInvalidToken     = "INVALID_TOKEN"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInvalidRoom      = "INVALID_ROOM"
	ErrCodeConnectionClosed = "CONNECTION_CLOSED"
)

type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
}

func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if m.Data == nil {
		m.Data = make(map[string]any)
	}
	return nil
}

// StringField returns a string value from Data.
func (m *Message) StringField(key string) string {
	if m.Data == nil {
		return ""
	}
	s, _ := m.Data[key].(string)
	return s
}

func NewMessage(msgType MessageType, userID string, data map[string]any) *Message {
	if data == nil {
		data = make(map[string]any)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		UserID:    userID,
	}
}

func NewConnectMessage(connectionID, userID string) *Message {
	return NewMessage(MessageTypeConnect, userID, map[string]any{
		"connection_id": connectionID,
		"status":        "connected",
	})
}

func NewAuthenticatedMessage(connectionID, userID string) *Message {
	return NewMessage(MessageTypeAuthenticated, userID, map[string]any{
		"connection_id": connectionID,
		"user_id":       userID,
	})
}

func NewRoomMessage(msgType MessageType, userID, room string, size int) *Message {
	return NewMessage(msgType, userID, map[string]any{
		"room":    room,
		"members": size,
	})
}

func NewOfflineMessage(userID, room string) *Message {
	return NewMessage(MessageTypePresenceOffline, "", map[string]any{
		"user_id": userID,
		"room":    room,
	})
}

func NewErrorMessage(userID, code, message string) *Message {
	return NewMessage(MessageTypeError, userID, map[string]any{
		"code":    code,
		"message": message,
	})
}
