package store

// Message statuses. A stored status only moves forward.
const (
	StatusSending  = "sending"
	StatusFailed   = "failed"
	StatusSent     = "sent"
	StatusReceived = "received"
	StatusRead     = "read"
)

// Conversation is one match thread in the local inbox.
type Conversation struct {
	MatchID            string
	PeerID             string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a delivered, confirmed or pending chat message.
type Message struct {
	ID          int64
	MatchID     string
	MsgID       string
	ClientMsgID string
	SenderID    string
	ReceiverID  string
	Content     string
	FromMe      bool
	Status      string
	Timestamp   int64
	ReadAt      int64
}
