package kv

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store implementation backed by a map with lazy
// expiry. It is safe for concurrent use and intended primarily for testing.
type Memory struct {
	mu   sync.RWMutex
	data map[string]memoryEntry

	// now is swappable in tests to control expiry.
	now func() time.Time
}

type memoryEntry struct {
	value []byte

	// expiresAt is zero for keys without expiry.
	expiresAt time.Time
}

// NewMemory creates a new in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	k := string(encode(key))
	m.mu.RLock()
	e, ok := m.data[k]
	m.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte, ttl time.Duration) error {
	k := string(encode(key))
	cp := make([]byte, len(value))
	copy(cp, value)
	e := memoryEntry{value: cp}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.data[k] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	k := string(encode(key))
	m.mu.Lock()
	delete(m.data, k)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := encode(prefix)
	// Append separator so "a:b" prefix doesn't match "a:bc".
	var prefixStr string
	if len(p) > 0 {
		prefixStr = string(p) + string(Separator)
	}

	now := m.now()

	// Snapshot matching live keys under read lock.
	m.mu.RLock()
	type kvPair struct {
		key string
		val []byte
	}
	var matches []kvPair
	for k, e := range m.data {
		if e.expired(now) {
			continue
		}
		if prefixStr == "" || strings.HasPrefix(k, prefixStr) {
			cp := make([]byte, len(e.value))
			copy(cp, e.value)
			matches = append(matches, kvPair{k, cp})
		}
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].key < matches[j].key
	})

	return func(yield func(Entry, error) bool) {
		for _, p := range matches {
			entry := Entry{
				Key:   decode([]byte(p.key)),
				Value: p.val,
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *Memory) BatchSet(_ context.Context, entries []Entry) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		k := string(encode(e.Key))
		cp := make([]byte, len(e.Value))
		copy(cp, e.Value)
		me := memoryEntry{value: cp}
		if e.TTL > 0 {
			me.expiresAt = now.Add(e.TTL)
		}
		m.data[k] = me
	}
	return nil
}

func (m *Memory) BatchDelete(_ context.Context, keys []Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, string(encode(key)))
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
