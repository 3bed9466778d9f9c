// Package nats implements a fanout broker on top of a NATS server.
package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tinode/relay/server/fanout"
	"github.com/tinode/relay/server/logs"
)

const (
	adapterName = "nats"

	defaultName          = "relay"
	defaultReconnectWait = 2 * time.Second
)

type configType struct {
	// Server URL(s), comma separated, e.g. "nats://localhost:4222".
	URL string `json:"url"`
	// Connection name reported to the server.
	Name string `json:"name"`
	// Seconds between reconnect attempts.
	ReconnectWait int `json:"reconnect_wait"`
}

// Broker is a fanout.Broker backed by a NATS connection.
type Broker struct {
	conn *nats.Conn
}

// errNotConnected is returned by Publish while the connection to the server is down.
var errNotConnected = errors.New("nats: not connected")

// Connect dials the NATS server. The connection keeps reconnecting forever. Publishes are
// not buffered while it is down: Publish fails and the relay reports the recipient offline.
// Subscriptions are restored after reconnect.
func Connect(url, name string, reconnectWait time.Duration) (*Broker, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if name == "" {
		name = defaultName
	}
	if reconnectWait <= 0 {
		reconnectWait = defaultReconnectWait
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logs.Warn.Println("fanout: nats disconnected:", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logs.Info.Println("fanout: nats reconnected to", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logs.Err.Println("fanout: nats subscription", sub.Subject, err)
			} else {
				logs.Err.Println("fanout: nats", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: failed to connect to '%s': %w", url, err)
	}
	logs.Info.Println("fanout: connected to nats at", conn.ConnectedUrl())

	return &Broker{conn: conn}, nil
}

// Publish implements fanout.Broker.
func (b *Broker) Publish(channel string, payload []byte) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats: publish to '%s': %w", channel, errNotConnected)
	}
	if err := b.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats: publish to '%s': %w", channel, err)
	}
	return nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s subscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
		// Already unsubscribed or closed.
		return nil
	}
	return err
}

// Subscribe implements fanout.Broker. The NATS client invokes the handler of a
// subscription from a single goroutine, so deliveries are sequential.
func (b *Broker) Subscribe(channel string, deliver func(payload []byte)) (fanout.Subscription, error) {
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe to '%s': %w", channel, err)
	}
	return subscription{sub: sub}, nil
}

// Close drains pending messages and closes the connection.
func (b *Broker) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

func init() {
	fanout.Register(adapterName, func(jsonconf json.RawMessage) (fanout.Broker, error) {
		var config configType
		if len(jsonconf) > 0 {
			if err := json.Unmarshal(jsonconf, &config); err != nil {
				return nil, errors.New("nats: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
			}
		}
		return Connect(config.URL, config.Name, time.Duration(config.ReconnectWait)*time.Second)
	})
}
