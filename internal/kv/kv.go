// Package kv is the key-value abstraction every persistent component of
// the delivery core writes through. Components use disjoint namespaces
// ("outbox", "dedup.ids", "receipts.<matchId>") so backends need no
// locking beyond their own operation atomicity.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("kv: store closed")

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Store is a namespaced key-value backend.
type Store interface {
	Get(ns, key string) ([]byte, bool, error)
	Put(ns, key string, value []byte) error
	Delete(ns, key string) error
	// List returns every entry of ns ordered by key.
	List(ns string) ([]Entry, error)
	// DeleteOlder removes entries of ns last written before cutoff.
	DeleteOlder(ns string, cutoff time.Time) (int, error)
	Clear(ns string) error
}

// PutJSON marshals v and stores it.
func PutJSON(s Store, ns, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", ns, key, err)
	}
	return s.Put(ns, key, data)
}

// GetJSON loads and unmarshals a value. found is false when the key is absent.
func GetJSON(s Store, ns, key string, v any) (found bool, err error) {
	data, ok, err := s.Get(ns, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", ns, key, err)
	}
	return true, nil
}
