// Package dedup decides whether an inbound message was already applied.
// Two checks run before dispatch: exact message id, then a content
// fingerprint owned by a different id. Both keep an in-memory tier with a
// short retention and a durable tier that survives restarts.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/matchwire/internal/kv"
	"go.uber.org/zap"
)

// Durable namespaces.
const (
	NamespaceIDs          = "dedup.ids"
	NamespaceFingerprints = "dedup.fp"
)

// Message is the part of an inbound message deduplication looks at.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
}

// Verdict is the outcome of Check.
type Verdict int

const (
	Fresh Verdict = iota
	DuplicateID
	DuplicateFingerprint
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case DuplicateID:
		return "duplicate_id"
	case DuplicateFingerprint:
		return "duplicate_fingerprint"
	}
	return "unknown"
}

// ResetMode selects what Reset clears.
type ResetMode int

const (
	// ResetPreserveStorage clears the in-memory tier only (reconnect).
	ResetPreserveStorage ResetMode = iota
	// ResetAll also wipes the durable namespaces (logout).
	ResetAll
)

// Options configures a Store. Zero durations take the defaults.
type Options struct {
	Durable              kv.Store
	MemoryTTL            time.Duration
	DurableTTL           time.Duration
	SweepInterval        time.Duration
	DurableSweepInterval time.Duration
	PrefixLength         int
	Logger               *zap.Logger
}

// record is the stored value for both ids and fingerprints.
type record struct {
	ID        string `json:"id"`
	FirstSeen int64  `json:"firstSeen"`
}

// Store is the deduplication store.
type Store struct {
	mu  sync.Mutex
	ids map[string]time.Time
	fps map[string]record

	durable   kv.Store
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	startOnce sync.Once
}

// New creates a store. opts.Durable may be nil for a memory-only store.
func New(opts Options) *Store {
	if opts.MemoryTTL <= 0 {
		opts.MemoryTTL = 10 * time.Minute
	}
	if opts.DurableTTL <= 0 {
		opts.DurableTTL = 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.DurableSweepInterval <= 0 {
		opts.DurableSweepInterval = time.Hour
	}
	if opts.PrefixLength <= 0 {
		opts.PrefixLength = DefaultPrefixLength
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		ids:     make(map[string]time.Time),
		fps:     make(map[string]record),
		durable: opts.Durable,
		opts:    opts,
		logger:  logger.Named("dedup"),
		now:     time.Now,
	}
}

// Check classifies m without recording it.
func (s *Store) Check(m Message) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.check(m)
	return v
}

// Accept records m's id and fingerprint in both tiers.
func (s *Store) Accept(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accept(m, s.fingerprint(m))
}

// Admit checks and, when fresh, accepts m in one step. It returns true
// when m should be dispatched.
func (s *Store) Admit(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, fp := s.check(m)
	if v != Fresh {
		s.logger.Debug("duplicate dropped", zap.String("msg_id", m.ID), zap.Stringer("verdict", v))
		return false
	}
	s.accept(m, fp)
	return true
}

func (s *Store) check(m Message) (Verdict, string) {
	now := s.now()
	fp := s.fingerprint(m)

	if m.ID != "" {
		if seen, ok := s.ids[m.ID]; ok && now.Sub(seen) <= s.opts.MemoryTTL {
			return DuplicateID, fp
		}
	}
	if rec, ok := s.fps[fp]; ok && fp != "" && rec.ID != m.ID && now.Sub(time.UnixMilli(rec.FirstSeen)) <= s.opts.MemoryTTL {
		return DuplicateFingerprint, fp
	}

	if s.durable == nil {
		return Fresh, fp
	}
	if m.ID != "" {
		if rec, ok := s.loadDurable(NamespaceIDs, m.ID); ok && now.Sub(time.UnixMilli(rec.FirstSeen)) <= s.opts.DurableTTL {
			// Warm the memory tier so the next retransmission stays in memory.
			s.ids[m.ID] = now
			return DuplicateID, fp
		}
	}
	if fp == "" {
		return Fresh, fp
	}
	if rec, ok := s.loadDurable(NamespaceFingerprints, fp); ok && rec.ID != m.ID && now.Sub(time.UnixMilli(rec.FirstSeen)) <= s.opts.DurableTTL {
		return DuplicateFingerprint, fp
	}
	return Fresh, fp
}

func (s *Store) accept(m Message, fp string) {
	now := s.now()
	rec := record{ID: m.ID, FirstSeen: now.UnixMilli()}
	if m.ID != "" {
		s.ids[m.ID] = now
	}
	// An owner past the memory window loses the fingerprint even before
	// the sweep evicts it.
	if cur, ok := s.fps[fp]; fp != "" && (!ok || now.Sub(time.UnixMilli(cur.FirstSeen)) > s.opts.MemoryTTL) {
		s.fps[fp] = rec
	}
	if s.durable == nil {
		return
	}
	if m.ID != "" {
		if err := kv.PutJSON(s.durable, NamespaceIDs, m.ID, rec); err != nil {
			s.logger.Warn("persist id", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}
	if fp == "" {
		return
	}
	if err := kv.PutJSON(s.durable, NamespaceFingerprints, fp, rec); err != nil {
		s.logger.Warn("persist fingerprint", zap.String("msg_id", m.ID), zap.Error(err))
	}
}

// fingerprint returns "" for messages without text, such as media-only
// ones, which are deduplicated by id alone.
func (s *Store) fingerprint(m Message) string {
	if Normalize(m.Content, s.opts.PrefixLength) == "" {
		return ""
	}
	return Fingerprint(m, s.opts.PrefixLength)
}

func (s *Store) loadDurable(ns, key string) (record, bool) {
	var rec record
	found, err := kv.GetJSON(s.durable, ns, key, &rec)
	if err != nil {
		s.logger.Warn("durable lookup failed", zap.String("ns", ns), zap.Error(err))
		return record{}, false
	}
	return rec, found
}

// Sweep evicts in-memory entries older than the memory retention. It
// returns the number of entries evicted.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.opts.MemoryTTL)
	n := 0
	for id, seen := range s.ids {
		if seen.Before(cutoff) {
			delete(s.ids, id)
			n++
		}
	}
	for fp, rec := range s.fps {
		if time.UnixMilli(rec.FirstSeen).Before(cutoff) {
			delete(s.fps, fp)
			n++
		}
	}
	return n
}

// SweepDurable evicts durable entries older than the durable retention.
func (s *Store) SweepDurable() int {
	if s.durable == nil {
		return 0
	}
	cutoff := s.now().Add(-s.opts.DurableTTL)
	total := 0
	for _, ns := range []string{NamespaceIDs, NamespaceFingerprints} {
		n, err := s.durable.DeleteOlder(ns, cutoff)
		if err != nil {
			s.logger.Warn("durable sweep failed", zap.String("ns", ns), zap.Error(err))
			continue
		}
		total += n
	}
	return total
}

// Start runs both sweep loops until ctx is cancelled or Stop is called.
func (s *Store) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

// Stop halts the sweep loops and waits for them to exit.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Store) loop(ctx context.Context) {
	defer s.wg.Done()
	memory := time.NewTicker(s.opts.SweepInterval)
	defer memory.Stop()
	durable := time.NewTicker(s.opts.DurableSweepInterval)
	defer durable.Stop()

	for {
		select {
		case <-memory.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("memory sweep", zap.Int("evicted", n))
			}
		case <-durable.C:
			if n := s.SweepDurable(); n > 0 {
				s.logger.Info("durable sweep", zap.Int("evicted", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Reset clears the in-memory tier and, for ResetAll, the durable one.
func (s *Store) Reset(mode ResetMode) {
	s.mu.Lock()
	s.ids = make(map[string]time.Time)
	s.fps = make(map[string]record)
	s.mu.Unlock()

	if mode != ResetAll || s.durable == nil {
		return
	}
	for _, ns := range []string{NamespaceIDs, NamespaceFingerprints} {
		if err := s.durable.Clear(ns); err != nil {
			s.logger.Warn("clear durable tier", zap.String("ns", ns), zap.Error(err))
		}
	}
}

// Stats reports in-memory tier sizes.
type Stats struct {
	IDs          int
	Fingerprints int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{IDs: len(s.ids), Fingerprints: len(s.fps)}
}
