package kv

import (
	"sort"
	"sync"
	"time"
)

// Memory is the session-scoped tier: fast, lost on restart. It is also
// the backend used in tests.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string]Entry
	now    func() time.Time
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]Entry), now: time.Now}
}

func (m *Memory) Get(ns, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.data[ns][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.Value...), true, nil
}

func (m *Memory) Put(ns, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	bucket := m.data[ns]
	if bucket == nil {
		bucket = make(map[string]Entry)
		m.data[ns] = bucket
	}
	bucket[key] = Entry{Key: key, Value: append([]byte(nil), value...), UpdatedAt: m.now()}
	return nil
}

func (m *Memory) Delete(ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data[ns], key)
	return nil
}

func (m *Memory) List(ns string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Entry, 0, len(m.data[ns]))
	for _, e := range m.data[ns] {
		e.Value = append([]byte(nil), e.Value...)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) DeleteOlder(ns string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for k, e := range m.data[ns] {
		if e.UpdatedAt.Before(cutoff) {
			delete(m.data[ns], k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Clear(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, ns)
	return nil
}

// Close makes every later call fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
