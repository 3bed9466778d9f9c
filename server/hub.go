/******************************************************************************
 *
 *  Description :
 *
 *    Main hub: owns the session registry, user directory, presence broadcaster,
 *    history store and fanout broker, and routes messages between sessions.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/relay/server/fanout"
	"github.com/tinode/relay/server/history"
	"github.com/tinode/relay/server/logs"
	sf "github.com/tinode/snowflake"
)

const (
	// Size of the outbound queue of a session.
	sendQueueLimit = 256

	defaultHistoryLimit   = 20
	defaultMaxLabelLength = 32
	defaultSendTimeout    = 50 * time.Millisecond
	defaultWriteWait      = 10 * time.Second
	defaultIdleTimeout    = 55 * time.Second
)

type hubConfig struct {
	// Maximum number of registered sessions.
	maxUsers int
	// Number of recent messages per peer sent to the client.
	historyLimit int
	// Maximum length of a label in grapheme clusters.
	maxLabelLength int
	// Shared passphrase handed out to clients. Empty disables it.
	passphrase string
	// Prefix of per-user fanout channels.
	fanoutPrefix string
	// How long to wait for space in a full outbound queue.
	sendTimeout time.Duration
	// Time allowed to write a message to the peer.
	writeWait time.Duration
	// Time allowed to read the next pong message from the peer.
	idleTimeout time.Duration
	// Maximum size of an incoming frame.
	maxMessageSize int64
	// Snowflake worker ID for session IDs.
	workerID uint
}

// Hub is the core structure which wires the relay components together.
type Hub struct {
	config hubConfig

	sessionStore *SessionStore
	directory    *Directory
	pres         *Presence
	history      history.Store
	broker       fanout.Broker
	stats        *relayStats

	// Session ID generator.
	sidgen *sf.SnowFlake

	shuttingDown atomic.Bool
}

func newHub(config hubConfig, hist history.Store, broker fanout.Broker) (*Hub, error) {
	if config.historyLimit <= 0 {
		config.historyLimit = defaultHistoryLimit
	}
	if config.maxLabelLength == 0 {
		config.maxLabelLength = defaultMaxLabelLength
	}
	if config.sendTimeout <= 0 {
		config.sendTimeout = defaultSendTimeout
	}
	if config.writeWait <= 0 {
		config.writeWait = defaultWriteWait
	}
	if config.idleTimeout <= 0 {
		config.idleTimeout = defaultIdleTimeout
	}
	if config.maxMessageSize <= 0 {
		config.maxMessageSize = defaultMaxMessageSize
	}
	if config.fanoutPrefix == "" {
		config.fanoutPrefix = fanout.DefaultPrefix
	}
	if broker == nil {
		broker = fanout.Noop{}
	}

	sidgen, err := sf.NewSnowFlake(uint32(config.workerID))
	if err != nil {
		return nil, fmt.Errorf("hub: failed to init snowflake: %w", err)
	}

	h := &Hub{
		config:       config,
		sessionStore: NewSessionStore(config.maxUsers),
		directory:    NewDirectory(),
		history:      hist,
		broker:       broker,
		stats:        newStats(),
		sidgen:       sidgen,
	}
	h.pres = &Presence{hub: h}

	return h, nil
}

// newSession creates an unregistered session for the user.
func (h *Hub) newSession(ws *websocket.Conn, uid, remoteAddr string) *Session {
	s := &Session{
		hub:        h,
		ws:         ws,
		uid:        uid,
		remoteAddr: remoteAddr,
		send:       make(chan []byte, sendQueueLimit), // buffered
		stop:       make(chan []byte, 1),              // Buffered by 1 just to make it non-blocking
		detach:     make(chan struct{}),
	}

	if id, err := h.sidgen.Next(); err == nil {
		s.sid = strconv.FormatUint(id, 32)
	} else {
		logs.Warn.Println("hub: failed to generate session ID", err)
		s.sid = strconv.FormatInt(time.Now().UnixNano(), 32)
	}

	return s
}

// connect registers a new session, subscribes it to its fanout channel, sends the initial
// frames and announces the user to everyone. On failure the session is asked to terminate
// with register_failed and false is returned.
func (h *Hub) connect(s *Session) bool {
	// The user starts under its ID until the client registers a label.
	count, err := h.sessionStore.Register(s, h.directory, s.uid, false)
	if err != nil {
		reason := reasonServerFull
		if errors.Is(err, errUsernameTaken) {
			reason = reasonUsernameTaken
		}
		h.stats.registration(reason)
		logs.Info.Println("hub: registration rejected", s.sid, s.uid, reason)
		s.terminate(ErrRegisterFailed(reason))
		return false
	}

	h.stats.registration("ok")
	h.stats.sessionsLive.Inc()
	logs.Info.Println("hub: session registered", s.sid, s.uid, s.remoteAddr, count)

	h.subscribe(s)

	if h.config.passphrase != "" {
		s.queueOut(&MsgServerPassphrase{Type: typePassphrase, Passphrase: h.config.passphrase})
	}
	s.sendHistoryBundle()
	h.pres.broadcast()

	return true
}

// subscribe starts delivery of messages published for the session's user by other instances.
func (h *Hub) subscribe(s *Session) {
	if !fanout.Enabled(h.broker) {
		return
	}

	sub, err := h.broker.Subscribe(fanout.Channel(h.config.fanoutPrefix, s.uid), s.deliverRemote)
	if err != nil {
		logs.Warn.Println("hub: fanout subscribe failed", s.sid, err)
		h.stats.fanoutError("subscribe")
		return
	}
	if !s.setSub(sub) {
		// Session went away while subscribing.
		h.unsubscribe(s, sub)
	}
}

func (h *Hub) unsubscribe(s *Session, sub fanout.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		logs.Warn.Println("hub: fanout unsubscribe failed", s.sid, err)
		h.stats.fanoutError("unsubscribe")
	}
}

// storeEnvelope appends the envelope to history. Failures are logged and otherwise ignored.
func (h *Hub) storeEnvelope(env *history.Envelope) {
	if err := h.history.Append(env); err != nil {
		logs.Warn.Println("hub: failed to store message", err)
		h.stats.historyErrors.Inc()
	}
}

// route delivers the envelope to a local recipient or publishes it for other instances.
// Delivery problems are reported to the sender only.
func (h *Hub) route(from *Session, env *history.Envelope) {
	data, err := json.Marshal(newDataMessage(env, h.directory.Get(env.Sender).Label))
	if err != nil {
		logs.Err.Println("hub: failed to serialize message", err)
		return
	}

	if rcpt := h.sessionStore.Get(env.Recipient); rcpt != nil {
		if rcpt.queueOutBytes(data) {
			h.stats.message(routeLocal)
			return
		}
		h.stats.message(routeFailed)
		from.queueOut(ErrDeliveryFailed(env.Recipient))
		return
	}

	// The recipient may be connected to another instance.
	err = h.broker.Publish(fanout.Channel(h.config.fanoutPrefix, env.Recipient), data)
	if err == nil {
		h.stats.message(routeFanout)
		return
	}
	if !errors.Is(err, fanout.ErrDisabled) {
		logs.Warn.Println("hub: fanout publish failed", err)
		h.stats.fanoutError("publish")
	}
	h.stats.message(routeOffline)
	from.queueOut(ErrRecipientOffline(env.Recipient))
}

// dataMessages converts stored envelopes to wire messages labeled with the senders' current labels.
func (h *Hub) dataMessages(envs []*history.Envelope) []*MsgServerData {
	out := make([]*MsgServerData, 0, len(envs))
	for _, env := range envs {
		out = append(out, newDataMessage(env, h.directory.Get(env.Sender).Label))
	}
	return out
}

func (h *Hub) isShuttingDown() bool {
	return h.shuttingDown.Load()
}

// shutdown terminates all sessions, then closes the broker and the history store.
func (h *Hub) shutdown() {
	h.shuttingDown.Store(true)
	h.sessionStore.Shutdown()

	if err := h.broker.Close(); err != nil {
		logs.Warn.Println("hub: failed to close fanout broker", err)
	}
	if err := h.history.Close(); err != nil {
		logs.Warn.Println("hub: failed to close history", err)
	}
	logs.Info.Println("hub: shutdown completed")
}
