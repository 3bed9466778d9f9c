/******************************************************************************
 *
 *  Description :
 *
 *    Bounded per-conversation history of relayed envelopes. The relay never
 *    looks inside an envelope: ciphertext, nonce and associated data are
 *    carried as uninterpreted JSON values.
 *
 *****************************************************************************/

// Package history defines the conversation history store and a registry of
// storage adapters. The 'memory' adapter is always available.
package history

import (
	"encoding/json"
	"errors"
	"sync"
)

// DefaultSize is the number of envelopes retained per conversation.
const DefaultSize = 100

// ErrUnknownAdapter is returned by Open when no adapter is registered under the requested name.
var ErrUnknownAdapter = errors.New("history: unknown adapter")

// Envelope is a single relayed message as retained in history.
type Envelope struct {
	// User ID of the sender. Always the ID bound to the sending connection.
	Sender string `cbor:"1,keyasint"`
	// User ID of the recipient.
	Recipient string `cbor:"2,keyasint"`
	// Opaque values supplied by the client.
	IV        json.RawMessage `cbor:"3,keyasint,omitempty"`
	CT        json.RawMessage `cbor:"4,keyasint,omitempty"`
	AAD       json.RawMessage `cbor:"5,keyasint,omitempty"`
	Timestamp json.RawMessage `cbor:"6,keyasint,omitempty"`
}

// Key identifies a conversation between two users regardless of direction.
// Lo <= Hi in byte order. Being a two-element struct it is collision-free for
// any user IDs, including ones containing separator characters.
type Key struct {
	Lo string
	Hi string
}

// KeyOf returns the canonical conversation key for two users.
func KeyOf(a, b string) Key {
	if b < a {
		a, b = b, a
	}
	return Key{Lo: a, Hi: b}
}

// Key returns the conversation key of the envelope.
func (e *Envelope) Key() Key {
	return KeyOf(e.Sender, e.Recipient)
}

// Peer returns the other participant of the conversation, or an empty string
// if userID is not a participant.
func (k Key) Peer(userID string) string {
	switch userID {
	case k.Lo:
		return k.Hi
	case k.Hi:
		return k.Lo
	}
	return ""
}

// Store is a bounded conversation history.
type Store interface {
	// Append adds the envelope to the conversation of its sender and recipient, evicting the
	// oldest envelope if the conversation grows past the size limit.
	Append(env *Envelope) error
	// With returns up to 'limit' most recent envelopes exchanged between two users,
	// oldest first. A limit <= 0 means all retained envelopes.
	With(userID, otherID string, limit int) ([]*Envelope, error)
	// Peers returns the most recent 'limit' envelopes of every conversation userID takes part in,
	// indexed by the other participant.
	Peers(userID string, limit int) (map[string][]*Envelope, error)
	// Close releases resources held by the store.
	Close() error
}

// Adapter creates a Store. The 'size' is the maximum number of envelopes per conversation,
// 'config' is the adapter-specific configuration, possibly empty.
type Adapter func(size int, config json.RawMessage) (Store, error)

var (
	adaptersLock sync.Mutex
	adapters     = map[string]Adapter{}
)

// Register makes a history adapter available by the provided name.
// If Register is called twice with the same name or if the adapter is
// nil, it panics.
func Register(name string, adapter Adapter) {
	adaptersLock.Lock()
	defer adaptersLock.Unlock()

	if adapter == nil {
		panic("history: Register adapter is nil")
	}
	if _, dup := adapters[name]; dup {
		panic("history: Register called twice for adapter " + name)
	}
	adapters[name] = adapter
}

// Open creates a store using the named adapter. An empty name selects the memory adapter.
func Open(name string, size int, config json.RawMessage) (Store, error) {
	if name == "" {
		name = "memory"
	}
	if size <= 0 {
		size = DefaultSize
	}

	adaptersLock.Lock()
	adapter := adapters[name]
	adaptersLock.Unlock()

	if adapter == nil {
		return nil, ErrUnknownAdapter
	}
	return adapter(size, config)
}

// Tail returns the last 'limit' elements of a slice of envelopes as a new slice.
func Tail(envs []*Envelope, limit int) []*Envelope {
	if limit > 0 && len(envs) > limit {
		envs = envs[len(envs)-limit:]
	}
	out := make([]*Envelope, len(envs))
	copy(out, envs)
	return out
}
