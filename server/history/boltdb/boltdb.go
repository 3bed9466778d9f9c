// Package boltdb implements a durable history adapter backed by a BoltDB file.
//
// Layout:
//
//	conversations/<conv-key>/<seq> -> CBOR-encoded envelope
//	peers/<user-id>/<peer-id>      -> empty
//
// The conversation key is the length of the lower user ID as uvarint followed by both IDs.
package boltdb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tinode/relay/server/history"
	bolt "go.etcd.io/bbolt"
)

const (
	adapterName = "boltdb"

	defaultPath    = "./history.db"
	defaultTimeout = time.Second
)

var (
	conversationsBucket = []byte("conversations")
	peersBucket         = []byte("peers")
)

type configType struct {
	// Path to the database file.
	Path string `json:"path"`
	// Seconds to wait for the file lock.
	Timeout int `json:"timeout"`
}

// Store is a history.Store persisted in a BoltDB file.
type Store struct {
	db   *bolt.DB
	size int
}

// Open opens or creates the database at path.
func Open(path string, size int, timeout time.Duration) (*Store, error) {
	if size <= 0 {
		size = history.DefaultSize
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("boltdb: failed to open '%s': %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, peersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltdb: failed to initialize buckets: %w", err)
	}

	return &Store{db: db, size: size}, nil
}

func encodeKey(key history.Key) []byte {
	buf := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(key.Lo)+len(key.Hi))
	n := binary.PutUvarint(buf, uint64(len(key.Lo)))
	buf = append(buf[:n], key.Lo...)
	return append(buf, key.Hi...)
}

func decodeKey(raw []byte) (history.Key, error) {
	l, n := binary.Uvarint(raw)
	if n <= 0 || uint64(len(raw)-n) < l {
		return history.Key{}, errors.New("boltdb: invalid conversation key")
	}
	raw = raw[n:]
	return history.Key{Lo: string(raw[:l]), Hi: string(raw[l:])}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func linkPeers(tx *bolt.Tx, user, peer string) error {
	bkt, err := tx.Bucket(peersBucket).CreateBucketIfNotExists([]byte(user))
	if err != nil {
		return err
	}
	return bkt.Put([]byte(peer), []byte{})
}

// Append implements history.Store.
func (s *Store) Append(env *history.Envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("boltdb: failed to encode envelope: %w", err)
	}
	key := env.Key()

	return s.db.Update(func(tx *bolt.Tx) error {
		conv, err := tx.Bucket(conversationsBucket).CreateBucketIfNotExists(encodeKey(key))
		if err != nil {
			return err
		}
		seq, err := conv.NextSequence()
		if err != nil {
			return err
		}
		if err = conv.Put(itob(seq), data); err != nil {
			return err
		}

		// Deleting while iterating a cursor may skip entries; collect first.
		var keys [][]byte
		c := conv.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-s.size; i++ {
			if err = conv.Delete(keys[i]); err != nil {
				return err
			}
		}

		if err = linkPeers(tx, key.Lo, key.Hi); err != nil {
			return err
		}
		return linkPeers(tx, key.Hi, key.Lo)
	})
}

// tail reads the last 'limit' envelopes of the conversation, oldest first.
func tail(conv *bolt.Bucket, limit int) ([]*history.Envelope, error) {
	var out []*history.Envelope
	if conv == nil {
		return out, nil
	}

	c := conv.Cursor()
	for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
		var env history.Envelope
		if err := cbor.Unmarshal(v, &env); err != nil {
			return nil, fmt.Errorf("boltdb: corrupt envelope: %w", err)
		}
		out = append(out, &env)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// With implements history.Store.
func (s *Store) With(userID, otherID string, limit int) ([]*history.Envelope, error) {
	var out []*history.Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = tail(tx.Bucket(conversationsBucket).Bucket(encodeKey(history.KeyOf(userID, otherID))), limit)
		return err
	})
	return out, err
}

// Peers implements history.Store.
func (s *Store) Peers(userID string, limit int) (map[string][]*history.Envelope, error) {
	out := make(map[string][]*history.Envelope)
	err := s.db.View(func(tx *bolt.Tx) error {
		peers := tx.Bucket(peersBucket).Bucket([]byte(userID))
		if peers == nil {
			return nil
		}
		convs := tx.Bucket(conversationsBucket)
		return peers.ForEach(func(k, _ []byte) error {
			peer := string(k)
			envs, err := tail(convs.Bucket(encodeKey(history.KeyOf(userID, peer))), limit)
			if err != nil {
				return err
			}
			if len(envs) > 0 {
				out[peer] = envs
			}
			return nil
		})
	})
	return out, err
}

// Close implements history.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func init() {
	history.Register(adapterName, func(size int, jsonconf json.RawMessage) (history.Store, error) {
		var config configType
		if len(jsonconf) > 0 {
			if err := json.Unmarshal(jsonconf, &config); err != nil {
				return nil, errors.New("boltdb: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
			}
		}
		if config.Path == "" {
			config.Path = defaultPath
		}
		return Open(config.Path, size, time.Duration(config.Timeout)*time.Second)
	})
}
