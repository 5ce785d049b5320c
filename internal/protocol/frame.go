// Package protocol defines the tagged JSON frames exchanged with the
// real-time server. Every frame is a JSON object carrying a "type" field;
// the remaining fields depend on the type.
package protocol

import "encoding/json"

// Type is the value of a frame's "type" field.
type Type string

const (
	TypeAuth             Type = "auth"
	TypeAuthSuccess      Type = "auth_success"
	TypeAuthError        Type = "auth_error"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeMessage          Type = "message"
	TypeNewMessage       Type = "new_message"
	TypeMessageSent      Type = "message_sent"
	TypeTypingStatus     Type = "typing_status"
	TypeReadReceipt      Type = "read_receipt"
	TypeMessageRead      Type = "message_read"
	TypeActiveChat       Type = "active_chat"
	TypeUserStatus       Type = "user_status"
	TypeUserDisconnected Type = "user_disconnected"
	TypeNotification     Type = "notification"
)

// Queueable reports whether an outbound frame of this type is worth
// holding in the outbox while the channel is down. Heartbeats, auth and
// typing indicators are only meaningful on the live channel.
func (t Type) Queueable() bool {
	switch t {
	case TypePing, TypePong, TypeAuth, TypeTypingStatus:
		return false
	}
	return true
}

// Frame is implemented by every typed frame.
type Frame interface {
	FrameType() Type
}

// Presence values carried by user_status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	PriorityHigh = "high"
)

type Auth struct {
	UserID ID     `json:"userId" validate:"required"`
	Token  string `json:"token,omitempty"`
}

type AuthSuccess struct {
	UserID ID `json:"userId,omitempty"`
}

type AuthError struct {
	Error string `json:"error,omitempty"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// OutboundMessage is a chat message sent by this client. ClientMessageID
// correlates it with the server's message_sent confirmation.
type OutboundMessage struct {
	MatchID         ID     `json:"matchId" validate:"required"`
	ReceiverID      ID     `json:"receiverId" validate:"required"`
	Content         string `json:"content" validate:"required"`
	ClientMessageID string `json:"clientMessageId" validate:"required"`
}

// ChatMessage is the server's representation of a stored message.
// Content may be empty for media-only messages.
type ChatMessage struct {
	ID         ID     `json:"id" validate:"required"`
	MatchID    ID     `json:"matchId" validate:"required"`
	SenderID   ID     `json:"senderId" validate:"required"`
	ReceiverID ID     `json:"receiverId,omitempty"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
}

// NewMessage delivers a message to this client.
type NewMessage struct {
	Message ChatMessage `json:"message"`
}

// MessageSent confirms that one of this client's messages was stored.
type MessageSent struct {
	Message         ChatMessage `json:"message"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
}

type TypingStatus struct {
	MatchID  ID   `json:"matchId" validate:"required"`
	IsTyping bool `json:"isTyping"`
	UserID   ID   `json:"userId,omitempty"`
}

// ReadReceipt covers both read_receipt (single id) and message_read
// (batch) frames; Kind records which one was on the wire.
type ReadReceipt struct {
	Kind       Type  `json:"-"`
	MessageID  ID    `json:"messageId,omitempty" validate:"required_without=MessageIDs"`
	MessageIDs []ID  `json:"messageIds,omitempty" validate:"required_without=MessageID,dive,required"`
	MatchID    ID    `json:"matchId" validate:"required"`
	UserID     ID    `json:"userId" validate:"required"`
	ReadAt     int64 `json:"readAt,omitempty"`
}

// IDs returns every message id the receipt acknowledges.
func (r *ReadReceipt) IDs() []ID {
	ids := make([]ID, 0, len(r.MessageIDs)+1)
	if r.MessageID != "" {
		ids = append(ids, r.MessageID)
	}
	for _, id := range r.MessageIDs {
		if id != r.MessageID {
			ids = append(ids, id)
		}
	}
	return ids
}

type ActiveChat struct {
	MatchID   ID    `json:"matchId" validate:"required"`
	Active    bool  `json:"active"`
	UserID    ID    `json:"userId,omitempty"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

type UserStatus struct {
	UserID    ID     `json:"userId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=online offline"`
	LastSeen  int64  `json:"lastSeen"`
	Timestamp int64  `json:"timestamp"`
	Priority  string `json:"priority,omitempty"`
}

// UserDisconnected is the authoritative "fully disconnected" signal. It is
// always applied with high priority.
type UserDisconnected struct {
	UserID    ID    `json:"userId" validate:"required"`
	Timestamp int64 `json:"timestamp"`
}

// Notification carries domain events (new match, like, ...) the delivery
// core does not interpret.
type Notification struct {
	Kind    string          `json:"kind" validate:"required"`
	MatchID ID              `json:"matchId,omitempty"`
	UserID  ID              `json:"userId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (*Auth) FrameType() Type             { return TypeAuth }
func (*AuthSuccess) FrameType() Type      { return TypeAuthSuccess }
func (*AuthError) FrameType() Type        { return TypeAuthError }
func (*Ping) FrameType() Type             { return TypePing }
func (*Pong) FrameType() Type             { return TypePong }
func (*OutboundMessage) FrameType() Type  { return TypeMessage }
func (*NewMessage) FrameType() Type       { return TypeNewMessage }
func (*MessageSent) FrameType() Type      { return TypeMessageSent }
func (*TypingStatus) FrameType() Type     { return TypeTypingStatus }
func (*ActiveChat) FrameType() Type       { return TypeActiveChat }
func (*UserStatus) FrameType() Type       { return TypeUserStatus }
func (*UserDisconnected) FrameType() Type { return TypeUserDisconnected }
func (*Notification) FrameType() Type     { return TypeNotification }

func (r *ReadReceipt) FrameType() Type {
	if r.Kind == "" {
		return TypeReadReceipt
	}
	return r.Kind
}
