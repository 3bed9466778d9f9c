package history

import (
	"encoding/json"
	"sync"
)

// Memory is an in-process Store. Contents are lost on restart.
type Memory struct {
	lock sync.RWMutex

	size  int
	convs map[Key][]*Envelope
	// Index of conversation partners: user ID -> set of peer IDs.
	peers map[string]map[string]struct{}
}

// NewMemory creates an empty in-memory store retaining 'size' envelopes per conversation.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	return &Memory{
		size:  size,
		convs: make(map[Key][]*Envelope),
		peers: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) addPeer(user, peer string) {
	set := m.peers[user]
	if set == nil {
		set = make(map[string]struct{})
		m.peers[user] = set
	}
	set[peer] = struct{}{}
}

// Append implements Store.
func (m *Memory) Append(env *Envelope) error {
	key := env.Key()

	m.lock.Lock()
	defer m.lock.Unlock()

	conv := append(m.convs[key], env)
	if over := len(conv) - m.size; over > 0 {
		// Strict FIFO: drop the oldest entries, keep the order of the rest.
		copy(conv, conv[over:])
		for i := len(conv) - over; i < len(conv); i++ {
			conv[i] = nil
		}
		conv = conv[:len(conv)-over]
	}
	m.convs[key] = conv

	m.addPeer(key.Lo, key.Hi)
	m.addPeer(key.Hi, key.Lo)
	return nil
}

// With implements Store.
func (m *Memory) With(userID, otherID string, limit int) ([]*Envelope, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return Tail(m.convs[KeyOf(userID, otherID)], limit), nil
}

// Peers implements Store.
func (m *Memory) Peers(userID string, limit int) (map[string][]*Envelope, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make(map[string][]*Envelope, len(m.peers[userID]))
	for peer := range m.peers[userID] {
		if conv := m.convs[KeyOf(userID, peer)]; len(conv) > 0 {
			out[peer] = Tail(conv, limit)
		}
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}

func init() {
	Register("memory", func(size int, _ json.RawMessage) (Store, error) {
		return NewMemory(size), nil
	})
}
