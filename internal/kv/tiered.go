package kv

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// Tiered writes to a primary backend and falls back to a secondary one
// when the primary refuses the write (quota, permissions, a closed
// database). If both fail the write is logged and dropped: storage
// failures never reach the caller.
type Tiered struct {
	primary   Store
	secondary Store
	logger    *zap.Logger
}

// NewTiered combines primary and secondary. logger may be nil.
func NewTiered(primary, secondary Store, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{primary: primary, secondary: secondary, logger: logger}
}

// Get reads the primary first, then the secondary.
func (t *Tiered) Get(ns, key string) ([]byte, bool, error) {
	v, ok, err := t.primary.Get(ns, key)
	if err == nil && ok {
		return v, true, nil
	}
	if err != nil {
		t.logger.Warn("primary tier read failed", zap.String("ns", ns), zap.String("key", key), zap.Error(err))
	}
	v, ok, err2 := t.secondary.Get(ns, key)
	if err2 != nil {
		t.logger.Warn("secondary tier read failed", zap.String("ns", ns), zap.String("key", key), zap.Error(err2))
		return nil, false, nil
	}
	return v, ok, nil
}

// Put always returns nil.
func (t *Tiered) Put(ns, key string, value []byte) error {
	err := t.primary.Put(ns, key, value)
	if err == nil {
		return nil
	}
	t.logger.Warn("primary tier write failed, falling back", zap.String("ns", ns), zap.String("key", key), zap.Error(err))
	if err2 := t.secondary.Put(ns, key, value); err2 != nil {
		t.logger.Error("write dropped: both tiers failed", zap.String("ns", ns), zap.String("key", key), zap.Error(err2))
	}
	return nil
}

// Delete removes the key from both tiers.
func (t *Tiered) Delete(ns, key string) error {
	if err := t.primary.Delete(ns, key); err != nil {
		t.logger.Warn("primary tier delete failed", zap.String("ns", ns), zap.String("key", key), zap.Error(err))
	}
	if err := t.secondary.Delete(ns, key); err != nil {
		t.logger.Warn("secondary tier delete failed", zap.String("ns", ns), zap.String("key", key), zap.Error(err))
	}
	return nil
}

// List merges both tiers by key; the primary wins on conflict.
func (t *Tiered) List(ns string) ([]Entry, error) {
	merged := make(map[string]Entry)
	if entries, err := t.secondary.List(ns); err == nil {
		for _, e := range entries {
			merged[e.Key] = e
		}
	} else {
		t.logger.Warn("secondary tier list failed", zap.String("ns", ns), zap.Error(err))
	}
	if entries, err := t.primary.List(ns); err == nil {
		for _, e := range entries {
			merged[e.Key] = e
		}
	} else {
		t.logger.Warn("primary tier list failed", zap.String("ns", ns), zap.Error(err))
	}
	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *Tiered) DeleteOlder(ns string, cutoff time.Time) (int, error) {
	n, err := t.primary.DeleteOlder(ns, cutoff)
	if err != nil {
		t.logger.Warn("primary tier sweep failed", zap.String("ns", ns), zap.Error(err))
	}
	m, err := t.secondary.DeleteOlder(ns, cutoff)
	if err != nil {
		t.logger.Warn("secondary tier sweep failed", zap.String("ns", ns), zap.Error(err))
	}
	return n + m, nil
}

func (t *Tiered) Clear(ns string) error {
	if err := t.primary.Clear(ns); err != nil {
		t.logger.Warn("primary tier clear failed", zap.String("ns", ns), zap.Error(err))
	}
	if err := t.secondary.Clear(ns); err != nil {
		t.logger.Warn("secondary tier clear failed", zap.String("ns", ns), zap.Error(err))
	}
	return nil
}
