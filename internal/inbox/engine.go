// Package inbox keeps the local history view: it ingests delivered,
// confirmed and queued messages into the sqlite store idempotently.
package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/dispatch"
	"github.com/matheus3301/matchwire/internal/logging"
	"github.com/matheus3301/matchwire/internal/outbox"
	"github.com/matheus3301/matchwire/internal/protocol"
	"github.com/matheus3301/matchwire/internal/receipts"
	"github.com/matheus3301/matchwire/internal/store"
	"go.uber.org/zap"
)

// EventUpdated is published after a message row changed.
const EventUpdated = "inbox.updated"

const previewLength = 100

// Update is the payload of EventUpdated.
type Update struct {
	MatchID string `json:"matchId"`
	MsgID   string `json:"msgId"`
	Status  string `json:"status"`
}

// Engine writes delivery events into the store.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	selfID string
	logger *zap.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine for the local user selfID.
func NewEngine(db *store.DB, b *bus.Bus, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		selfID: selfID,
		logger: logging.OrNop(logger).Named("inbox"),
		now:    time.Now,
	}
}

// Attach registers the engine as an apply handler. Handlers run only for
// messages the dispatcher admitted, so duplicates never reach the store.
func (e *Engine) Attach(d *dispatch.Dispatcher) {
	d.On(protocol.TypeNewMessage, func(f protocol.Frame) {
		m := f.(*protocol.NewMessage).Message
		if err := e.IngestDelivered(m); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", string(m.ID)))
		}
	})
	d.On(protocol.TypeMessageSent, func(f protocol.Frame) {
		ms := f.(*protocol.MessageSent)
		if err := e.IngestConfirmed(ms); err != nil {
			e.logger.Error("failed to confirm message", zap.Error(err), zap.String("client_msg_id", ms.ClientMessageID))
		}
	})
	read := func(f protocol.Frame) {
		r := f.(*protocol.ReadReceipt)
		if err := e.ApplyRead(r); err != nil {
			e.logger.Error("failed to apply read receipt", zap.Error(err), zap.String("match_id", string(r.MatchID)))
		}
	}
	d.On(protocol.TypeReadReceipt, read)
	d.On(protocol.TypeMessageRead, read)
}

// Start subscribes to outbox events so queued messages show up at once
// as "sending" and cancelled ones as "failed".
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	msgs, unsubMsgs := e.bus.Subscribe("message.", 256)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubMsgs()
		for {
			select {
			case evt := <-msgs:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleEvent(evt bus.Event) {
	env, ok := evt.Payload.(outbox.Envelope)
	if !ok || env.Type != protocol.TypeMessage {
		return
	}
	switch evt.Kind {
	case outbox.EventQueued:
		if err := e.IngestQueued(env); err != nil {
			e.logger.Error("failed to record queued message", zap.Error(err), zap.String("client_msg_id", env.ClientMessageID))
		}
	case outbox.EventCancelled, outbox.EventExpired:
		if err := e.db.MarkFailed(env.ClientMessageID); err != nil {
			e.logger.Error("failed to mark message failed", zap.Error(err), zap.String("client_msg_id", env.ClientMessageID))
			return
		}
		e.publish(Update{MsgID: env.ClientMessageID, Status: store.StatusFailed})
	}
}

func (e *Engine) stamp(ms int64) int64 {
	if ms > 0 {
		return ms
	}
	return e.now().UnixMilli()
}

// IngestDelivered stores a message delivered by the server (idempotent).
func (e *Engine) IngestDelivered(m protocol.ChatMessage) error {
	fromMe := e.selfID != "" && string(m.SenderID) == e.selfID
	peer := string(m.SenderID)
	unread := 1
	status := store.StatusReceived
	if fromMe {
		peer = string(m.ReceiverID)
		unread = 0
		status = store.StatusSent
	}
	ts := e.stamp(m.CreatedAt)

	if err := e.db.UpsertConversation(&store.Conversation{
		MatchID:            string(m.MatchID),
		PeerID:             peer,
		UnreadCount:        unread,
		LastMessageAt:      ts,
		LastMessagePreview: truncate(m.Content, previewLength),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := e.db.UpsertMessage(&store.Message{
		MatchID:    string(m.MatchID),
		MsgID:      string(m.ID),
		SenderID:   string(m.SenderID),
		ReceiverID: string(m.ReceiverID),
		Content:    m.Content,
		FromMe:     fromMe,
		Status:     status,
		Timestamp:  ts,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	e.publish(Update{MatchID: string(m.MatchID), MsgID: string(m.ID), Status: status})
	return nil
}

// IngestConfirmed turns the optimistic row of a sent message into the
// server's copy.
func (e *Engine) IngestConfirmed(ms *protocol.MessageSent) error {
	m := ms.Message
	ts := e.stamp(m.CreatedAt)
	if _, err := e.db.ConfirmSent(&store.Message{
		MatchID:     string(m.MatchID),
		MsgID:       string(m.ID),
		ClientMsgID: ms.ClientMessageID,
		SenderID:    string(m.SenderID),
		ReceiverID:  string(m.ReceiverID),
		Content:     m.Content,
		Timestamp:   ts,
	}); err != nil {
		return fmt.Errorf("confirm sent: %w", err)
	}
	if err := e.db.UpsertConversation(&store.Conversation{
		MatchID:            string(m.MatchID),
		PeerID:             string(m.ReceiverID),
		LastMessageAt:      ts,
		LastMessagePreview: truncate(m.Content, previewLength),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	e.publish(Update{MatchID: string(m.MatchID), MsgID: string(m.ID), Status: store.StatusSent})
	return nil
}

// IngestQueued records an outbound chat message as "sending".
func (e *Engine) IngestQueued(env outbox.Envelope) error {
	f, err := protocol.Decode(env.Data)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	m, ok := f.(*protocol.OutboundMessage)
	if !ok {
		return nil
	}
	return e.RecordOutgoing(m, env.QueuedAt)
}

// RecordOutgoing stores the optimistic row of a message about to be sent.
// Recording the same client message id twice is a no-op.
func (e *Engine) RecordOutgoing(m *protocol.OutboundMessage, at time.Time) error {
	ts := at.UnixMilli()
	if at.IsZero() {
		ts = e.now().UnixMilli()
	}
	if err := e.db.UpsertMessage(&store.Message{
		MatchID:     string(m.MatchID),
		MsgID:       m.ClientMessageID,
		ClientMsgID: m.ClientMessageID,
		SenderID:    e.selfID,
		ReceiverID:  string(m.ReceiverID),
		Content:     m.Content,
		FromMe:      true,
		Status:      store.StatusSending,
		Timestamp:   ts,
	}); err != nil {
		return fmt.Errorf("upsert optimistic message: %w", err)
	}
	if err := e.db.UpsertConversation(&store.Conversation{
		MatchID:            string(m.MatchID),
		PeerID:             string(m.ReceiverID),
		LastMessageAt:      ts,
		LastMessagePreview: truncate(m.Content, previewLength),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	e.publish(Update{MatchID: string(m.MatchID), MsgID: m.ClientMessageID, Status: store.StatusSending})
	return nil
}

// ApplyRead marks the acknowledged messages as read.
func (e *Engine) ApplyRead(r *protocol.ReadReceipt) error {
	ids := r.IDs()
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}
	n, err := e.db.MarkRead(string(r.MatchID), strs, e.stamp(r.ReadAt))
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n > 0 {
		e.publish(Update{MatchID: string(r.MatchID), Status: store.StatusRead})
	}
	return nil
}

// ApplyReplayed marks the message of a journaled receipt read. It is the
// callback handed to receipts.Journal.Replay.
func (e *Engine) ApplyReplayed(rec receipts.Record) {
	if _, err := e.db.MarkRead(rec.MatchID, []string{rec.MessageID}, e.stamp(rec.ReadAt)); err != nil {
		e.logger.Warn("failed to apply replayed receipt", zap.Error(err), zap.String("match_id", rec.MatchID))
	}
}

func (e *Engine) publish(u Update) {
	e.bus.Emit(EventUpdated, u)
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
