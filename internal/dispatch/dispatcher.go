// Package dispatch routes decoded inbound frames to the delivery core and
// republishes every handled frame on the bus as "frame.<type>".
package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/dedup"
	"github.com/matheus3301/matchwire/internal/presence"
	"github.com/matheus3301/matchwire/internal/protocol"
	"github.com/matheus3301/matchwire/internal/receipts"
	"github.com/matheus3301/matchwire/internal/typing"
	"go.uber.org/zap"
)

// EventDuplicate is published with the dropped message id.
const EventDuplicate = "dispatch.duplicate"

// FramePrefix prefixes the fan-out event kind of every handled frame.
const FramePrefix = "frame."

// HandlerFunc is an application handler run synchronously for a frame
// the core accepted.
type HandlerFunc func(protocol.Frame)

// Options wires the dispatcher. Every collaborator may be nil; frames
// whose collaborator is missing are still fanned out.
type Options struct {
	Dedup    *dedup.Store
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Receipts *receipts.Journal
	// Send answers server pings.
	Send   func(protocol.Frame) bool
	Bus    *bus.Bus
	Logger *zap.Logger
}

// Stats counts dispatch outcomes since start.
type Stats struct {
	Handled    uint64
	Duplicates uint64
	Unknown    uint64
	Malformed  uint64
}

// Dispatcher is called from the connection's single read goroutine.
type Dispatcher struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu       sync.RWMutex
	handlers map[protocol.Type][]HandlerFunc

	handled, duplicates, unknown, malformed atomic.Uint64
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		opts:     opts,
		log:      logger.Named("dispatch"),
		now:      time.Now,
		handlers: make(map[protocol.Type][]HandlerFunc),
	}
}

// On registers fn for frames of type t. Handlers run after the core has
// accepted the frame and before it is fanned out; a duplicate message
// never reaches them.
func (d *Dispatcher) On(t protocol.Type, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], fn)
}

// HandleRaw decodes and dispatches one raw frame. Unknown types are
// ignored; malformed frames are logged and dropped.
func (d *Dispatcher) HandleRaw(data []byte) bool {
	f, err := protocol.Decode(data)
	if err != nil {
		d.DecodeFailed(err)
		return false
	}
	return d.Dispatch(f)
}

// DecodeFailed accounts for a frame that could not be decoded.
func (d *Dispatcher) DecodeFailed(err error) {
	if errors.Is(err, protocol.ErrUnknownType) {
		d.unknown.Add(1)
		d.log.Debug("ignoring unknown frame", zap.Error(err))
		return
	}
	d.malformed.Add(1)
	d.log.Warn("dropping malformed frame", zap.Error(err))
}

// Dispatch routes f. It returns false when the frame was dropped as a
// duplicate.
func (d *Dispatcher) Dispatch(f protocol.Frame) bool {
	if !d.route(f) {
		return false
	}
	d.mu.RLock()
	hs := d.handlers[f.FrameType()]
	d.mu.RUnlock()
	for _, h := range hs {
		h(f)
	}
	d.handled.Add(1)
	d.opts.Bus.Emit(FramePrefix+string(f.FrameType()), f)
	return true
}

func (d *Dispatcher) route(f protocol.Frame) bool {
	switch fr := f.(type) {
	case *protocol.NewMessage:
		m := fr.Message
		if d.opts.Dedup != nil && !d.opts.Dedup.Admit(dedup.Message{
			ID:             string(m.ID),
			ConversationID: string(m.MatchID),
			SenderID:       string(m.SenderID),
			Content:        m.Content,
		}) {
			d.duplicates.Add(1)
			d.opts.Bus.Emit(EventDuplicate, string(m.ID))
			return false
		}
		// A delivered message ends the sender's typing indicator.
		if d.opts.Typing != nil {
			d.opts.Typing.Observe(string(m.MatchID), string(m.SenderID), false)
		}

	case *protocol.MessageSent:
		m := fr.Message
		if d.opts.Dedup != nil && !d.opts.Dedup.Admit(confirmation(m)) {
			d.duplicates.Add(1)
			d.opts.Bus.Emit(EventDuplicate, string(m.ID))
			return false
		}

	case *protocol.TypingStatus:
		if d.opts.Typing != nil {
			d.opts.Typing.Observe(string(fr.MatchID), string(fr.UserID), fr.IsTyping)
		}

	case *protocol.ReadReceipt:
		if d.opts.Receipts != nil {
			ids := fr.IDs()
			strs := make([]string, len(ids))
			for i, id := range ids {
				strs[i] = string(id)
			}
			d.opts.Receipts.Record(string(fr.MatchID), string(fr.UserID), strs, fr.ReadAt)
		}

	case *protocol.ActiveChat:
		if d.opts.Presence != nil && fr.UserID != "" {
			ts := fr.Timestamp
			if ts == 0 {
				ts = d.now().UnixMilli()
			}
			d.opts.Presence.ApplyActiveConversation(string(fr.UserID), string(fr.MatchID), fr.Active, ts)
		}

	case *protocol.UserStatus:
		if d.opts.Presence != nil {
			p := presence.Normal
			if fr.Priority == protocol.PriorityHigh {
				p = presence.High
			}
			d.opts.Presence.ApplyStatus(string(fr.UserID), fr.Status, fr.LastSeen, fr.Timestamp, p)
		}

	case *protocol.UserDisconnected:
		if d.opts.Presence != nil {
			d.opts.Presence.Disconnect(string(fr.UserID), fr.Timestamp)
		}

	case *protocol.Ping:
		if d.opts.Send != nil {
			d.opts.Send(&protocol.Pong{Timestamp: fr.Timestamp})
		}
	}
	return true
}

// confirmation keys a message_sent frame apart from deliveries so a
// confirmation and the new_message echo of the same id are each applied
// once, in either order.
func confirmation(m protocol.ChatMessage) dedup.Message {
	return dedup.Message{
		ID:             confirmedPrefix + string(m.ID),
		ConversationID: confirmedPrefix + string(m.MatchID),
		SenderID:       string(m.SenderID),
		Content:        m.Content,
	}
}

const confirmedPrefix = "sent:"

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Handled:    d.handled.Load(),
		Duplicates: d.duplicates.Load(),
		Unknown:    d.unknown.Load(),
		Malformed:  d.malformed.Load(),
	}
}
