package api

import (
	"encoding/json"

	"github.com/matheus3301/matchwire/internal/presence"
	"github.com/matheus3301/matchwire/internal/receipts"
	"github.com/matheus3301/matchwire/internal/store"
)

// Request and response bodies. They travel as google.protobuf.Struct
// values, so every field needs a json tag.

type Empty struct{}

type StatusResponse struct {
	Profile           string `json:"profile"`
	UserID            string `json:"userId"`
	State             string `json:"state"`
	Token             uint64 `json:"token"`
	Attempts          int    `json:"attempts"`
	AuthError         string `json:"authError,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	UptimeMs          int64  `json:"uptimeMs"`
	Outbox            int    `json:"outbox"`
	Conversations     int64  `json:"conversations"`
	Messages          int64  `json:"messages"`
	DedupIDs          int    `json:"dedupIds"`
	DedupFingerprints int    `json:"dedupFingerprints"`
	BusDropped        uint64 `json:"busDropped"`
}

type SendRequest struct {
	MatchID    string `json:"matchId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	// ClientMessageID is generated when empty.
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// SendResponse reports Sent false when the message was queued.
type SendResponse struct {
	ClientMessageID string `json:"clientMessageId"`
	Sent            bool   `json:"sent"`
}

type MarkReadRequest struct {
	MatchID    string   `json:"matchId"`
	MessageIDs []string `json:"messageIds"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
	Sent    bool  `json:"sent"`
}

type TypingRequest struct {
	MatchID string `json:"matchId"`
	Typing  bool   `json:"typing"`
}

type ActiveChatRequest struct {
	MatchID string `json:"matchId"`
	Active  bool   `json:"active"`
}

type PresenceRequest struct {
	// UserID filters to one user; empty returns everyone.
	UserID string `json:"userId,omitempty"`
}

type PresenceResponse struct {
	Entries []presence.Entry `json:"entries"`
}

type ListConversationsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type Conversation struct {
	MatchID            string   `json:"matchId"`
	PeerID             string   `json:"peerId"`
	UnreadCount        int      `json:"unreadCount"`
	LastMessageAt      int64    `json:"lastMessageAt"`
	LastMessagePreview string   `json:"lastMessagePreview"`
	Typing             []string `json:"typing,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type ListMessagesRequest struct {
	MatchID  string `json:"matchId,omitempty"`
	BeforeTs int64  `json:"beforeTs,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	// Query switches to a substring search, optionally within MatchID.
	Query string `json:"query,omitempty"`
}

type Message struct {
	MatchID         string `json:"matchId"`
	ID              string `json:"id"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	SenderID        string `json:"senderId"`
	ReceiverID      string `json:"receiverId,omitempty"`
	Content         string `json:"content"`
	FromMe          bool   `json:"fromMe"`
	Status          string `json:"status"`
	Timestamp       int64  `json:"timestamp"`
	ReadAt          int64  `json:"readAt,omitempty"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

type ListReceiptsRequest struct {
	MatchID string `json:"matchId"`
}

type ListReceiptsResponse struct {
	Receipts []receipts.Record `json:"receipts"`
}

type ResetRequest struct {
	// Reconnect dials again right after the reset.
	Reconnect bool `json:"reconnect,omitempty"`
}

type ResetResponse struct {
	Token uint64 `json:"token"`
	State string `json:"state"`
}

type StateResponse struct {
	State string `json:"state"`
}

type WatchRequest struct {
	// Prefix filters bus events by kind; empty streams everything.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as streamed by WatchEvents.
type Event struct {
	ID               string          `json:"id"`
	Namespace        string          `json:"namespace"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurredAtUnixMs"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

func messageFromStore(m *store.Message) Message {
	return Message{
		MatchID:         m.MatchID,
		ID:              m.MsgID,
		ClientMessageID: m.ClientMsgID,
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Content:         m.Content,
		FromMe:          m.FromMe,
		Status:          m.Status,
		Timestamp:       m.Timestamp,
		ReadAt:          m.ReadAt,
	}
}
