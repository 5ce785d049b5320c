// Package receipts journals read receipts per conversation in the
// durable tier so read markers survive reconnects and restarts.
package receipts

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/kv"
	"go.uber.org/zap"
)

// NamespacePrefix is prepended to the match id to form a namespace.
const NamespacePrefix = "receipts."

// IndexNamespace lists the conversations that have receipts.
const IndexNamespace = "receipts"

// Bus event kinds. EventRecorded carries one new Record; EventReplayed
// carries a Replayed batch per conversation so subscribers can tell
// replays from live receipts.
const (
	EventRecorded = "receipt.recorded"
	EventReplayed = "receipt.replayed"
)

// Record is one read acknowledgment.
type Record struct {
	MatchID   string `json:"matchId"`
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
	ReadAt    int64  `json:"readAt"`
}

// Namespace returns the kv namespace of a conversation.
func Namespace(matchID string) string {
	return NamespacePrefix + matchID
}

// Journal persists records through a kv.Store.
type Journal struct {
	store  kv.Store
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	indexed map[string]bool
}

// NewJournal creates a journal over store. b and logger may be nil.
func NewJournal(store kv.Store, b *bus.Bus, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		store:   store,
		bus:     b,
		logger:  logger.Named("receipts"),
		now:     time.Now,
		indexed: make(map[string]bool),
	}
}

func recordKey(messageID, readerID string) string {
	return messageID + "\x1f" + readerID
}

// Record stores receipts for messageIDs. The earliest read time of a
// (message, reader) pair is kept. It returns the records that were new.
func (j *Journal) Record(matchID, readerID string, messageIDs []string, readAt int64) []Record {
	if readAt <= 0 {
		readAt = j.now().UnixMilli()
	}
	j.track(matchID)
	ns := Namespace(matchID)
	var added []Record
	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		key := recordKey(id, readerID)
		var existing Record
		found, err := kv.GetJSON(j.store, ns, key, &existing)
		if err != nil {
			j.logger.Warn("read receipt lookup", zap.String("match_id", matchID), zap.Error(err))
		}
		if found && existing.ReadAt <= readAt {
			continue
		}
		rec := Record{MatchID: matchID, MessageID: id, ReaderID: readerID, ReadAt: readAt}
		if err := kv.PutJSON(j.store, ns, key, rec); err != nil {
			j.logger.Warn("persist read receipt", zap.String("match_id", matchID), zap.Error(err))
			continue
		}
		if !found {
			added = append(added, rec)
			j.bus.Emit(EventRecorded, rec)
		}
	}
	return added
}

// ForConversation returns the receipts of matchID ordered by read time.
func (j *Journal) ForConversation(matchID string) ([]Record, error) {
	entries, err := j.store.List(Namespace(matchID))
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			j.logger.Warn("skipping unreadable receipt", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].ReadAt < out[b].ReadAt })
	return out, nil
}

// IsRead reports whether readerID has read messageID.
func (j *Journal) IsRead(matchID, messageID, readerID string) bool {
	_, ok, err := j.store.Get(Namespace(matchID), recordKey(messageID, readerID))
	return err == nil && ok
}

// Replayed is the payload of EventReplayed.
type Replayed struct {
	MatchID string   `json:"matchId"`
	Records []Record `json:"records"`
}

// Replay hands the stored receipts of the given conversations (or of
// every indexed conversation when none are given) to apply, in read
// order, before publishing one EventReplayed batch per conversation.
// apply may be nil. Replay does not create records.
func (j *Journal) Replay(apply func(Record), matchIDs ...string) int {
	if len(matchIDs) == 0 {
		matchIDs = j.Known()
	}
	n := 0
	for _, matchID := range matchIDs {
		recs, err := j.ForConversation(matchID)
		if err != nil {
			j.logger.Warn("replay read receipts", zap.String("match_id", matchID), zap.Error(err))
			continue
		}
		if len(recs) == 0 {
			continue
		}
		if apply != nil {
			for _, rec := range recs {
				apply(rec)
			}
		}
		j.bus.Emit(EventReplayed, Replayed{MatchID: matchID, Records: recs})
		n += len(recs)
	}
	if n > 0 {
		j.logger.Debug("read receipts replayed", zap.Int("count", n))
	}
	return n
}

// track adds matchID to the persisted index once per process.
func (j *Journal) track(matchID string) {
	if matchID == "" {
		return
	}
	j.mu.Lock()
	done := j.indexed[matchID]
	j.indexed[matchID] = true
	j.mu.Unlock()
	if done {
		return
	}
	if err := j.store.Put(IndexNamespace, matchID, []byte{}); err != nil {
		j.logger.Warn("index read receipts", zap.String("match_id", matchID), zap.Error(err))
	}
}

// Known returns the conversations that have journaled receipts.
func (j *Journal) Known() []string {
	entries, err := j.store.List(IndexNamespace)
	if err != nil {
		j.logger.Warn("list receipt index", zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

// Clear drops every receipt of matchID.
func (j *Journal) Clear(matchID string) {
	if err := j.store.Clear(Namespace(matchID)); err != nil {
		j.logger.Warn("clear read receipts", zap.String("match_id", matchID), zap.Error(err))
	}
	if err := j.store.Delete(IndexNamespace, matchID); err != nil {
		j.logger.Warn("unindex read receipts", zap.String("match_id", matchID), zap.Error(err))
	}
	j.mu.Lock()
	delete(j.indexed, matchID)
	j.mu.Unlock()
}

// ClearAll drops every journaled receipt. Used on logout.
func (j *Journal) ClearAll() {
	for _, matchID := range j.Known() {
		j.Clear(matchID)
	}
}
