// Package presence tracks the online status and conversation focus of
// other users. Updates arrive out of order from several sources, so each
// field only accepts an update stamped at or after the one it holds.
package presence

import (
	"sort"
	"sync"

	"github.com/matheus3301/matchwire/internal/bus"
	"go.uber.org/zap"
)

// EventChanged is published with the new Entry whenever an update changes it.
const EventChanged = "presence.changed"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Priority of an update. High bypasses timestamp ordering.
type Priority int

const (
	Normal Priority = iota
	High
)

// Entry is the presence of one user. Timestamps are unix milliseconds as
// sent by the server.
type Entry struct {
	UserID             string `json:"userId"`
	Status             string `json:"status"`
	LastSeen           int64  `json:"lastSeen"`
	ActiveConversation string `json:"activeConversation,omitempty"`
	StatusUpdatedAt    int64  `json:"statusUpdatedAt"`
	ActiveUpdatedAt    int64  `json:"activeUpdatedAt"`
}

// Tracker holds entries for the current session.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewTracker creates an empty tracker. b and logger may be nil.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		entries: make(map[string]*Entry),
		bus:     b,
		logger:  logger.Named("presence"),
	}
}

func (t *Tracker) entry(userID string) *Entry {
	e, ok := t.entries[userID]
	if !ok {
		e = &Entry{UserID: userID, Status: StatusOffline}
		t.entries[userID] = e
	}
	return e
}

// ApplyStatus applies a status update. It is ignored when ts is older
// than the stored status timestamp, unless p is High. A high-priority
// offline update also clears the active conversation. It reports whether
// the update was accepted.
func (t *Tracker) ApplyStatus(userID, status string, lastSeen, ts int64, p Priority) bool {
	t.mu.Lock()
	e := t.entry(userID)
	if ts < e.StatusUpdatedAt && p != High {
		t.mu.Unlock()
		t.logger.Debug("stale status rejected",
			zap.String("user_id", userID), zap.Int64("ts", ts), zap.Int64("stored", e.StatusUpdatedAt))
		return false
	}
	before := *e
	e.Status = status
	e.LastSeen = max(e.LastSeen, lastSeen)
	// A forced update never rewinds the clock; later normal updates are
	// still compared against the newest timestamp seen.
	e.StatusUpdatedAt = max(e.StatusUpdatedAt, ts)
	if p == High && status == StatusOffline {
		e.ActiveConversation = ""
		e.ActiveUpdatedAt = max(e.ActiveUpdatedAt, ts)
	}
	after := *e
	t.mu.Unlock()

	t.publishIfChanged(before, after)
	return true
}

// ApplyActiveConversation applies a focus update, guarded by its own
// timestamp so it neither clobbers nor is clobbered by status updates.
// Leaving a conversation other than the active one does nothing.
func (t *Tracker) ApplyActiveConversation(userID, conversationID string, active bool, ts int64) bool {
	t.mu.Lock()
	e := t.entry(userID)
	if ts < e.ActiveUpdatedAt {
		t.mu.Unlock()
		t.logger.Debug("stale focus rejected",
			zap.String("user_id", userID), zap.Int64("ts", ts), zap.Int64("stored", e.ActiveUpdatedAt))
		return false
	}
	before := *e
	switch {
	case active:
		e.ActiveConversation = conversationID
	case e.ActiveConversation == conversationID:
		e.ActiveConversation = ""
	}
	e.ActiveUpdatedAt = ts
	after := *e
	t.mu.Unlock()

	t.publishIfChanged(before, after)
	return true
}

// Disconnect applies the authoritative "fully disconnected" signal.
func (t *Tracker) Disconnect(userID string, ts int64) {
	t.ApplyStatus(userID, StatusOffline, ts, ts, High)
}

func (t *Tracker) publishIfChanged(before, after Entry) {
	if before.Status == after.Status && before.LastSeen == after.LastSeen &&
		before.ActiveConversation == after.ActiveConversation {
		return
	}
	t.bus.Emit(EventChanged, after)
}

// Get returns the presence of userID.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsUserInConversation reports whether userID currently has
// conversationID open.
func (t *Tracker) IsUserInConversation(userID, conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return ok && conversationID != "" && e.ActiveConversation == conversationID
}

// Snapshot returns every entry ordered by user id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Reset forgets every entry.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = make(map[string]*Entry)
	t.mu.Unlock()
}
