// Package outbox holds outbound frames that could not be written to the
// channel, in send order, until the connection manager flushes them.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/kv"
	"github.com/matheus3301/matchwire/internal/protocol"
	"go.uber.org/zap"
)

// Namespace is the kv namespace envelopes are persisted under.
const Namespace = "outbox"

// Bus event kinds.
const (
	EventQueued      = "message.queued"
	EventTransmitted = "message.transmitted"
	EventExpired     = "message.expired"
	EventCancelled   = "message.cancelled"
)

// ErrFlushing is returned by Flush when another flush is running. That
// flush drains envelopes enqueued meanwhile.
var ErrFlushing = errors.New("outbox: flush already running")

// Envelope is a serialized frame waiting for the channel.
type Envelope struct {
	Seq             uint64          `json:"seq"`
	Type            protocol.Type   `json:"type"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	Data            json.RawMessage `json:"data"`
	QueuedAt        time.Time       `json:"queuedAt"`
	Token           uint64          `json:"token"`
}

// NewEnvelope encodes f for queueing under the given session token.
func NewEnvelope(f protocol.Frame, token uint64) (Envelope, error) {
	data, err := protocol.Encode(f)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:            f.FrameType(),
		ClientMessageID: protocol.ClientMessageID(f),
		Data:            data,
		Token:           token,
	}, nil
}

// TransmitFunc writes one envelope to the open channel.
type TransmitFunc func(ctx context.Context, env Envelope) error

// Options configures an Outbox. Store, Bus and Logger may be nil.
type Options struct {
	Store  kv.Store
	Bus    *bus.Bus
	Logger *zap.Logger
	// MaxAge expires envelopes queued longer than this. Zero keeps them forever.
	MaxAge time.Duration
}

// Outbox is a FIFO of envelopes. An accepted envelope is either
// transmitted or stays queued until explicitly cancelled.
type Outbox struct {
	mu       sync.Mutex
	queue    []Envelope
	nextSeq  uint64
	flushing bool

	store  kv.Store
	bus    *bus.Bus
	logger *zap.Logger
	maxAge time.Duration
	now    func() time.Time
}

// New creates an empty outbox. Call Restore to reload persisted envelopes.
func New(opts Options) *Outbox {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		nextSeq: 1,
		store:   opts.Store,
		bus:     opts.Bus,
		logger:  logger.Named("outbox"),
		maxAge:  opts.MaxAge,
		now:     time.Now,
	}
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Enqueue appends env to the tail and returns it with its sequence
// number and queue time assigned.
func (o *Outbox) Enqueue(env Envelope) Envelope {
	o.mu.Lock()
	env.Seq = o.nextSeq
	o.nextSeq++
	if env.QueuedAt.IsZero() {
		env.QueuedAt = o.now()
	}
	o.queue = append(o.queue, env)
	depth := len(o.queue)
	o.mu.Unlock()

	o.persist(env)
	o.logger.Debug("envelope queued",
		zap.Uint64("seq", env.Seq),
		zap.String("type", string(env.Type)),
		zap.String("client_msg_id", env.ClientMessageID),
		zap.Int("depth", depth))
	o.bus.Emit(EventQueued, env)
	return env
}

// Flush transmits queued envelopes from the head, one at a time. On the
// first failure the envelope goes back to the head and flushing stops.
// Envelopes enqueued while flushing are sent in the same pass. A second
// concurrent Flush returns ErrFlushing immediately.
func (o *Outbox) Flush(ctx context.Context, transmit TransmitFunc) (int, error) {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return 0, ErrFlushing
	}
	o.flushing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return sent, nil
		}
		env := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if o.expired(env) {
			o.drop(env)
			o.logger.Warn("envelope expired", zap.Uint64("seq", env.Seq), zap.String("client_msg_id", env.ClientMessageID))
			o.bus.Emit(EventExpired, env)
			continue
		}

		if err := transmit(ctx, env); err != nil {
			o.mu.Lock()
			o.queue = append([]Envelope{env}, o.queue...)
			o.mu.Unlock()
			o.logger.Warn("flush interrupted", zap.Uint64("seq", env.Seq), zap.Int("sent", sent), zap.Error(err))
			return sent, err
		}
		o.drop(env)
		sent++
		o.bus.Emit(EventTransmitted, env)
	}
}

// Cancel removes the queued chat message with the given client id. It
// returns false when no such envelope is queued (already transmitted or
// in flight).
func (o *Outbox) Cancel(clientMessageID string) bool {
	if clientMessageID == "" {
		return false
	}
	o.mu.Lock()
	idx := -1
	for i, env := range o.queue {
		if env.ClientMessageID == clientMessageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false
	}
	env := o.queue[idx]
	o.queue = append(o.queue[:idx], o.queue[idx+1:]...)
	o.mu.Unlock()

	o.drop(env)
	o.bus.Emit(EventCancelled, env)
	return true
}

// Len returns the number of queued envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Busy reports whether envelopes are queued or a flush is running. A
// direct write while busy would overtake older envelopes.
func (o *Outbox) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushing || len(o.queue) > 0
}

// Snapshot returns a copy of the queue, head first.
func (o *Outbox) Snapshot() []Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Envelope, len(o.queue))
	copy(out, o.queue)
	return out
}

// Restore loads persisted envelopes in their original order. Envelopes
// already in memory are kept and the persisted ones placed before them.
func (o *Outbox) Restore() (int, error) {
	if o.store == nil {
		return 0, nil
	}
	entries, err := o.store.List(Namespace)
	if err != nil {
		return 0, fmt.Errorf("restore outbox: %w", err)
	}
	restored := make([]Envelope, 0, len(entries))
	for _, e := range entries {
		var env Envelope
		if err := json.Unmarshal(e.Value, &env); err != nil {
			o.logger.Warn("skipping unreadable envelope", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		restored = append(restored, env)
	}
	sort.Slice(restored, func(i, j int) bool { return restored[i].Seq < restored[j].Seq })

	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[uint64]bool, len(o.queue))
	for _, env := range o.queue {
		seen[env.Seq] = true
	}
	merged := make([]Envelope, 0, len(restored)+len(o.queue))
	for _, env := range restored {
		if !seen[env.Seq] {
			merged = append(merged, env)
		}
		if env.Seq >= o.nextSeq {
			o.nextSeq = env.Seq + 1
		}
	}
	n := len(merged)
	o.queue = append(merged, o.queue...)
	return n, nil
}

// Clear discards every envelope, in memory and persisted. Used on logout.
func (o *Outbox) Clear() {
	o.mu.Lock()
	o.queue = nil
	o.mu.Unlock()
	if o.store != nil {
		if err := o.store.Clear(Namespace); err != nil {
			o.logger.Warn("clear persisted outbox", zap.Error(err))
		}
	}
}

func (o *Outbox) expired(env Envelope) bool {
	return o.maxAge > 0 && o.now().Sub(env.QueuedAt) > o.maxAge
}

func (o *Outbox) persist(env Envelope) {
	if o.store == nil {
		return
	}
	if err := kv.PutJSON(o.store, Namespace, seqKey(env.Seq), env); err != nil {
		o.logger.Warn("persist envelope", zap.Uint64("seq", env.Seq), zap.Error(err))
	}
}

func (o *Outbox) drop(env Envelope) {
	if o.store == nil {
		return
	}
	if err := o.store.Delete(Namespace, seqKey(env.Seq)); err != nil {
		o.logger.Warn("delete envelope", zap.Uint64("seq", env.Seq), zap.Error(err))
	}
}
