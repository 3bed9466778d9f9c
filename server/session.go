/******************************************************************************
 *
 *  Description :
 *
 *  Handling of user sessions/connections. Each user has exactly one session.
 *  Frames received from the client are processed strictly in order.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/relay/server/fanout"
	"github.com/tinode/relay/server/history"
	"github.com/tinode/relay/server/logs"
)

// Session represents a single WS connection bound to one user ID.
type Session struct {
	hub *Hub

	// Websocket. Not set in tests.
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// ID of the user, taken from the connection URL.
	uid string

	// Session ID, unique for the lifetime of the process.
	sid string

	// Outbound messages, serialized, buffered.
	send chan []byte

	// Channel for shutting down the session, buffer 1.
	// Optional final message to write before closing the connection.
	stop chan []byte

	// Closed when the session is removed from the hub.
	detach chan struct{}

	// The session asked to terminate, stop processing incoming frames.
	terminating atomic.Bool

	// Subscription to the user's fanout channel.
	sub fanout.Subscription
	// Guards sub and detached.
	lock     sync.Mutex
	detached bool

	cleanupOnce sync.Once
}

// queueOut serializes the message and attempts to send it to the client.
func (s *Session) queueOut(msg any) bool {
	if s == nil {
		return true
	}

	data, err := json.Marshal(msg)
	if err != nil {
		logs.Err.Println("s.queueOut: failed to serialize", s.sid, err)
		return false
	}
	return s.queueOutBytes(data)
}

// queueOutBytes attempts to send an already serialized message. If the send buffer is full,
// it waits up to send_timeout_ms.
func (s *Session) queueOutBytes(data []byte) bool {
	if s == nil {
		return true
	}

	select {
	case <-s.detach:
		return false
	default:
	}

	select {
	case s.send <- data:
	case <-s.detach:
		return false
	case <-time.After(s.hub.config.sendTimeout):
		logs.Warn.Println("s.queueOutBytes: timeout", s.sid)
		return false
	}
	return true
}

// terminate stops message processing and closes the connection after writing the optional message.
func (s *Session) terminate(msg any) {
	s.terminating.Store(true)

	var data []byte
	if msg != nil {
		data, _ = json.Marshal(msg)
	}
	select {
	case s.stop <- data:
	default:
		// Already terminating.
	}
}

// cleanUp removes the session from the hub and stops the write loop. Only the first call has
// any effect. If rebroadcast is true and the session was still registered, the other sessions
// receive an updated presence snapshot.
func (s *Session) cleanUp(rebroadcast bool) {
	removed := false
	s.cleanupOnce.Do(func() {
		s.lock.Lock()
		s.detached = true
		sub := s.sub
		s.sub = nil
		s.lock.Unlock()

		close(s.detach)
		s.hub.unsubscribe(s, sub)

		if removed = s.hub.sessionStore.Delete(s, s.hub.directory); removed {
			s.hub.stats.sessionsLive.Dec()
			logs.Info.Println("s.cleanUp: session gone", s.sid, s.uid)
		}
	})

	// Outside of Do: the presence broadcaster may be waiting on this session's cleanup.
	if removed && rebroadcast {
		s.hub.pres.broadcast()
	}
}

// setSub saves the fanout subscription. Returns false if the session is already detached
// and the subscription must be released by the caller.
func (s *Session) setSub(sub fanout.Subscription) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.detached {
		return false
	}
	s.sub = sub
	return true
}

// Message received, convert bytes to ClientComMessage and dispatch.
func (s *Session) dispatchRaw(raw []byte) {
	s.hub.stats.frame("in")

	msg, err := parseClientMessage(raw)
	if err != nil {
		logs.Warn.Printf("s.dispatch: malformed frame, %d bytes, sid='%s' uid='%s'", len(raw), s.sid, s.uid)
		s.queueOut(ErrMalformed())
		return
	}

	s.dispatch(msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	switch {
	case msg.Register != nil:
		s.register(msg.Register)
	case msg.UpdateLabel != nil:
		s.updateLabel(msg.UpdateLabel)
	case msg.Message != nil:
		s.publish(msg.Message)
	case msg.GetHistory != nil:
		s.getHistory(msg.GetHistory)
	case msg.GetPassphrase != nil:
		s.getPassphrase()
	default:
		// Unknown frame types are ignored.
	}
}

// Re-registration of the identity bound at connect time.
func (s *Session) register(msg *MsgClientRegister) {
	if msg.UsernameSet && msg.Username != s.uid {
		logs.Warn.Println("s.register: username mismatch", s.sid, s.uid)
		s.terminate(ErrRegisterFailed(reasonUsernameMismatch))
		return
	}

	label := displayLabel(s.uid, msg.Label, msg.Anonymous, s.hub.config.maxLabelLength)
	if !s.hub.sessionStore.UpdateIdentity(s, s.hub.directory, label, msg.Anonymous) {
		return
	}

	s.queueOut(NoErrRegister(s.uid, label, msg.Anonymous, s.hub.config.passphrase))
	s.hub.pres.broadcast()
}

func (s *Session) updateLabel(msg *MsgClientUpdateLabel) {
	label := displayLabel(s.uid, msg.Label, msg.Anonymous, s.hub.config.maxLabelLength)
	if !s.hub.sessionStore.UpdateIdentity(s, s.hub.directory, label, msg.Anonymous) {
		return
	}

	s.queueOut(NoErrUpdate(label, msg.Anonymous))
	s.hub.pres.broadcast()
}

// publish stores the envelope and routes it to the recipient. The sender is always the user
// bound to the session.
func (s *Session) publish(msg *MsgClientMessage) {
	if msg.Recipient == "" {
		s.queueOut(ErrInvalidRecipient())
		return
	}

	env := &history.Envelope{
		Sender:    s.uid,
		Recipient: msg.Recipient,
		IV:        msg.IV,
		CT:        msg.CT,
		AAD:       msg.AAD,
		Timestamp: msg.Timestamp,
	}
	s.hub.storeEnvelope(env)
	s.hub.route(s, env)
}

func (s *Session) getHistory(msg *MsgClientGetHistory) {
	if msg.WithUser == "" {
		return
	}

	envs, err := s.hub.history.With(s.uid, msg.WithUser, s.hub.config.historyLimit)
	if err != nil {
		logs.Warn.Println("s.getHistory:", s.sid, err)
		s.hub.stats.historyErrors.Inc()
	}
	s.queueOut(&MsgServerHistory{
		Type:     typeChatHistory,
		WithUser: msg.WithUser,
		Messages: s.hub.dataMessages(envs),
	})
}

func (s *Session) getPassphrase() {
	if s.hub.config.passphrase == "" {
		return
	}
	s.queueOut(&MsgServerPassphrase{Type: typePassphrase, Passphrase: s.hub.config.passphrase})
}

// sendHistoryBundle sends recent history with every peer of the user, if there is any.
func (s *Session) sendHistoryBundle() {
	peers, err := s.hub.history.Peers(s.uid, s.hub.config.historyLimit)
	if err != nil {
		logs.Warn.Println("s.sendHistoryBundle:", s.sid, err)
		s.hub.stats.historyErrors.Inc()
		return
	}
	if len(peers) == 0 {
		return
	}

	chats := make(map[string][]*MsgServerData, len(peers))
	for peer, envs := range peers {
		chats[peer] = s.hub.dataMessages(envs)
	}
	s.queueOut(&MsgServerHistoryBundle{Type: typeChatHistory, Chats: chats})
}

// deliverRemote handles a message published for this user by another relay instance.
// The payload is written to the client verbatim.
func (s *Session) deliverRemote(payload []byte) {
	var msg MsgServerData
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Recipient == s.uid {
		s.hub.storeEnvelope(msg.envelope())
	} else {
		logs.Warn.Println("s.deliverRemote: unexpected payload", s.sid, len(payload))
	}

	if s.queueOutBytes(payload) {
		s.hub.stats.message(routeRemote)
	} else {
		s.hub.stats.message(routeFailed)
		logs.Warn.Println("s.deliverRemote: failed to deliver", s.sid, s.uid)
	}
}
