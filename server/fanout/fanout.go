/******************************************************************************
 *
 *  Description :
 *
 *    Cross-instance delivery of envelopes through an external publish/subscribe
 *    broker. Each relay instance subscribes to the delivery channel of every
 *    locally connected user and publishes envelopes for users it does not hold.
 *
 *****************************************************************************/

// Package fanout defines the broker capability used for horizontal scaling
// and a registry of broker adapters.
package fanout

//go:generate mockgen -destination=mock_fanout/mock_fanout.go -package=mock_fanout github.com/tinode/relay/server/fanout Broker,Subscription

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
)

// DefaultPrefix is the prefix of per-user delivery channels.
const DefaultPrefix = "relay.deliver"

var (
	// ErrDisabled is returned by the no-op broker: no other instance can deliver the payload.
	ErrDisabled = errors.New("fanout: disabled")
	// ErrUnknownAdapter is returned by Open when no adapter is registered under the requested name.
	ErrUnknownAdapter = errors.New("fanout: unknown adapter")
)

// Subscription is an active subscription to a channel.
type Subscription interface {
	// Unsubscribe stops delivery. Calling it more than once is allowed.
	Unsubscribe() error
}

// Broker is a publish/subscribe broker shared by relay instances.
type Broker interface {
	// Publish sends the payload to all subscribers of the channel.
	Publish(channel string, payload []byte) error
	// Subscribe calls deliver for every payload published to the channel until unsubscribed.
	// Calls to deliver for one subscription are sequential.
	Subscribe(channel string, deliver func(payload []byte)) (Subscription, error)
	// Close disconnects from the broker.
	Close() error
}

// Channel returns the delivery channel of a user. The user ID is base64url-encoded so
// that arbitrary IDs map to distinct channel names made of safe characters only.
func Channel(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// Noop is a Broker which connects nothing. Used when fanout is not configured.
type Noop struct{}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

// Publish always fails with ErrDisabled.
func (Noop) Publish(string, []byte) error { return ErrDisabled }

// Subscribe returns a subscription which never delivers anything.
func (Noop) Subscribe(string, func([]byte)) (Subscription, error) { return noopSub{}, nil }

// Close is a no-op.
func (Noop) Close() error { return nil }

// Adapter creates a Broker from adapter-specific configuration.
type Adapter func(config json.RawMessage) (Broker, error)

var (
	adaptersLock sync.Mutex
	adapters     = map[string]Adapter{}
)

// Register makes a broker adapter available by the provided name.
// If Register is called twice with the same name or if the adapter is
// nil, it panics.
func Register(name string, adapter Adapter) {
	adaptersLock.Lock()
	defer adaptersLock.Unlock()

	if adapter == nil {
		panic("fanout: Register adapter is nil")
	}
	if _, dup := adapters[name]; dup {
		panic("fanout: Register called twice for adapter " + name)
	}
	adapters[name] = adapter
}

// Open connects to the broker using the named adapter. An empty name returns Noop.
func Open(name string, config json.RawMessage) (Broker, error) {
	if name == "" {
		return Noop{}, nil
	}

	adaptersLock.Lock()
	adapter := adapters[name]
	adaptersLock.Unlock()

	if adapter == nil {
		return nil, ErrUnknownAdapter
	}
	return adapter(config)
}

// Enabled reports whether the broker can deliver to other instances.
func Enabled(b Broker) bool {
	if b == nil {
		return false
	}
	_, noop := b.(Noop)
	return !noop
}
