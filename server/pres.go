/******************************************************************************
 *
 *  Description :
 *
 *  Presence: the full list of connected users is sent to every session each
 *  time a user connects, disconnects or changes the label.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"

	"github.com/tinode/relay/server/logs"
)

// Presence distributes presence snapshots.
type Presence struct {
	lock sync.Mutex
	hub  *Hub
}

// broadcast sends the current presence snapshot to all sessions. Sessions which cannot
// accept the snapshot are dropped and the remaining ones receive one more snapshot without
// them. Failures during that second pass are dropped silently, without further snapshots.
//
// Broadcasts are serialized: a snapshot is computed and distributed before the next one is
// computed, so the last snapshot a session receives matches the last registry change.
func (p *Presence) broadcast() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.hub.isShuttingDown() {
		return
	}

	failed := p.distribute()
	if len(failed) == 0 {
		return
	}

	for _, s := range failed {
		logs.Info.Println("pres: dropping unresponsive session", s.sid, s.uid)
		s.cleanUp(false)
		p.hub.stats.presenceEvictions.Inc()
	}

	for _, s := range p.distribute() {
		s.cleanUp(false)
		p.hub.stats.presenceEvictions.Inc()
	}
}

// distribute sends one snapshot and returns sessions which failed to accept it.
func (p *Presence) distribute() []*Session {
	sessions, users := p.hub.sessionStore.Snapshot(p.hub.directory)
	if len(sessions) == 0 {
		return nil
	}

	data, err := json.Marshal(&MsgServerUserList{Type: typeUserList, Users: users})
	if err != nil {
		logs.Err.Println("pres: failed to serialize snapshot", err)
		return nil
	}
	p.hub.stats.presenceBroadcasts.Inc()

	var failed []*Session
	for _, s := range sessions {
		if !s.queueOutBytes(data) {
			failed = append(failed, s)
		}
	}
	return failed
}
