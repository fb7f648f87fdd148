// Package kv provides a key-value store with hierarchical path-based keys
// and per-key TTL. Keys are represented as string slices (e.g.,
// ["conv", "session", "7"]) and encoded with ':' as separator.
//
// The package includes a BadgerDB-backed implementation for production use
// and an in-memory implementation for testing.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("kv: not found")
)

// Separator joins key segments in the encoded representation.
const Separator byte = ':'

// Key is a hierarchical path represented as a slice of string segments.
// For example, Key{"conv", "session", "7"} encodes to "conv:session:7".
//
// Segments must not contain the separator character.
type Key []string

// String returns the encoded key.
func (k Key) String() string {
	return strings.Join(k, string(Separator))
}

// Append returns a new key with extra segments appended.
func (k Key) Append(segments ...string) Key {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)
	return append(out, segments...)
}

// Entry is a key-value pair returned by List and used by BatchSet.
type Entry struct {
	Key   Key
	Value []byte

	// TTL is the remaining lifetime for BatchSet entries. Zero means the
	// entry does not expire.
	TTL time.Duration
}

// Store is the interface for a key-value store with path-based keys and
// per-key expiry.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if the key is
	// absent or expired.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value. A zero
	// ttl stores the key without expiry.
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all live entries whose key starts with the given
	// prefix. The iteration order is lexicographic by encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple key-value pairs.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete atomically removes multiple keys.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases any resources held by the store.
	Close() error
}

// encode converts a Key to its byte representation.
func encode(k Key) []byte {
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, n)
	pos := 0
	for i, seg := range k {
		if i > 0 {
			buf[pos] = Separator
			pos++
		}
		pos += copy(buf[pos:], seg)
	}
	return buf
}

// decode converts a byte representation back to a Key.
func decode(b []byte) Key {
	parts := strings.Split(string(b), string(Separator))
	return Key(parts)
}
