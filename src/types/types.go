package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType is the kind of a WebSocket or broker frame.
type MessageType string

const (
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeMessage      MessageType = "message"
	TypeBroadcast    MessageType = "broadcast"
	TypeNotification MessageType = "notification"
	TypeSystem       MessageType = "system"
	TypeError        MessageType = "error"
	TypeSubscribe    MessageType = "subscribe"
	TypeUnsubscribe  MessageType = "unsubscribe"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypePing, TypePong, TypeMessage, TypeBroadcast, TypeNotification,
		TypeSystem, TypeError, TypeSubscribe, TypeUnsubscribe:
		return true
	}
	return false
}

// Message is the single envelope used on sockets and on the broker.
type Message struct {
	Type      MessageType    `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	MessageID string         `json:"message_id,omitempty"`
	FromUser  string         `json:"from_user,omitempty"`
	ToUser    string         `json:"to_user,omitempty"`
}

// NewMessage builds a message stamped with the current UTC time.
func NewMessage(t MessageType, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

// Marshal encodes the message for the wire.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes a wire frame. A frame without a type is rejected.
func UnmarshalMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

// ConnectionState tracks the lifecycle of one session.
type ConnectionState string

const (
	StateConnected ConnectionState = "connected"
	StateClosing   ConnectionState = "closing"
	StateClosed    ConnectionState = "closed"
)

// ConnectionInfo holds metadata about a connected WebSocket session.
type ConnectionInfo struct {
	ConnectionID     string          `json:"connection_id"`
	UserID           string          `json:"user_id"`
	TenantID         string          `json:"tenant_id"`
	ConnectedAt      time.Time       `json:"connected_at"`
	LastActivity     time.Time       `json:"last_activity"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	MessagesSent     int64           `json:"messages_sent"`
	MessagesReceived int64           `json:"messages_received"`
	State            ConnectionState `json:"state"`
}

// Conn abstracts a WebSocket transport for testability.
type Conn interface {
	// Accept completes the handshake. Nothing may be written before it.
	Accept() error
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close sends a close frame with the given code and releases the transport.
	Close(code int, reason string) error
}

// WebSocket close codes used by the service.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

const (
	tenantChannelPrefix = "tenant:"

	// GlobalChannel carries system-wide broadcasts.
	GlobalChannel = "global:broadcast"
)

// TenantChannel returns the broker channel for a tenant.
func TenantChannel(tenantID string) string {
	return tenantChannelPrefix + tenantID
}

// ParseTenantChannel extracts the tenant id from a tenant channel name.
func ParseTenantChannel(channel string) (string, bool) {
	tenantID, ok := strings.CutPrefix(channel, tenantChannelPrefix)
	if !ok || tenantID == "" {
		return "", false
	}
	return tenantID, true
}
