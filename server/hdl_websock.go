/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket connections. The user ID is the single path element
 *    after the prefix, e.g. /relay/alice.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/relay/server/logs"
)

func (sess *Session) closeWS() {
	if sess.ws != nil {
		sess.ws.Close()
	}
}

func (sess *Session) readLoop() {
	defer func() {
		// A terminating session is closed by writeLoop after the final message is written.
		if !sess.terminating.Load() {
			sess.closeWS()
		}
		sess.cleanUp(true)
	}()

	pongWait := sess.hub.config.idleTimeout

	sess.ws.SetReadLimit(sess.hub.config.maxMessageSize)
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", sess.sid, err)
			}
			return
		}
		sess.dispatchRaw(raw)
		if sess.terminating.Load() {
			return
		}
	}
}

func (sess *Session) sendMessage(msg []byte) bool {
	sess.hub.stats.frame("out")
	if err := wsWrite(sess.ws, websocket.TextMessage, msg, sess.hub.config.writeWait); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			logs.Err.Println("ws: writeLoop", sess.sid, err)
		}
		return false
	}
	return true
}

func (sess *Session) writeLoop() {
	writeWait := sess.hub.config.writeWait
	// Send pings to peer with this period. Must be less than pongWait.
	ticker := time.NewTicker((sess.hub.config.idleTimeout * 9) / 10)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		sess.closeWS()
	}()

	for {
		select {
		case msg := <-sess.send:
			if !sess.sendMessage(msg) {
				return
			}

		case msg := <-sess.stop:
			sess.writeFinal(msg)
			return

		case <-sess.detach:
			select {
			case msg := <-sess.stop:
				sess.writeFinal(msg)
			default:
			}
			return

		case <-ticker.C:
			if err := wsWrite(sess.ws, websocket.PingMessage, nil, writeWait); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", sess.sid, err)
				}
				return
			}
		}
	}
}

// writeFinal writes what is already queued, then the final message or a close frame if it's nil.
// Shutdown requested, don't care if the message is delivered.
func (sess *Session) writeFinal(msg []byte) {
	writeWait := sess.hub.config.writeWait
	// Only writeLoop receives from sess.send.
	for len(sess.send) > 0 {
		if !sess.sendMessage(<-sess.send) {
			return
		}
	}

	if msg != nil {
		sess.hub.stats.frame("out")
		wsWrite(sess.ws, websocket.TextMessage, msg, writeWait)
	} else {
		wsWrite(sess.ws, websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), writeWait)
	}
}

// Writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, bits []byte, writeWait time.Duration) error {
	if bits == nil {
		bits = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, bits)
}

// Handles websocket requests from peers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler creates the handler of websocket connections at the path prefix.
func (h *Hub) wsHandler(prefix string, useXForwardedFor bool) http.HandlerFunc {
	return func(wrt http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			wrt.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(wrt).Encode(map[string]string{"error": "method not allowed"})
			logs.Err.Println("ws: Invalid HTTP method", req.Method)
			return
		}

		uid := strings.TrimPrefix(req.URL.Path, prefix)
		if uid == "" || uid == req.URL.Path || strings.Contains(uid, "/") {
			wrt.WriteHeader(http.StatusNotFound)
			json.NewEncoder(wrt).Encode(map[string]string{"error": "invalid user ID in path"})
			return
		}

		if h.isShuttingDown() {
			wrt.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		ws, err := upgrader.Upgrade(wrt, req, nil)
		if _, ok := err.(websocket.HandshakeError); ok {
			logs.Err.Println("ws: Not a websocket handshake")
			return
		} else if err != nil {
			logs.Err.Println("ws: failed to Upgrade ", err)
			return
		}

		var remoteAddr string
		if useXForwardedFor {
			remoteAddr = forwardedAddr(req.Header.Get("X-Forwarded-For"))
		}
		if remoteAddr == "" {
			remoteAddr = req.RemoteAddr
		}

		sess := h.newSession(ws, uid, remoteAddr)
		logs.Info.Println("ws: session started", sess.sid, sess.remoteAddr)

		// Do work in goroutines to return from the handler to release file pointers.
		// Otherwise "too many open files" will happen.
		go sess.writeLoop()
		if h.connect(sess) {
			go sess.readLoop()
		}
	}
}
