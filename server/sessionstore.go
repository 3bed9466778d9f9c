/******************************************************************************
 *
 *  Description :
 *
 *  Registry of live sessions: at most one session per user ID and at most
 *  max_users sessions in total.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"sort"
	"sync"

	"github.com/tinode/relay/server/logs"
)

var (
	errUsernameTaken = errors.New("username taken")
	errServerFull    = errors.New("server full")
)

// SessionStore holds live sessions indexed by user ID. Operations which also touch the
// Directory acquire the store lock first, then the directory lock.
type SessionStore struct {
	lock sync.Mutex

	maxUsers int

	// All registered sessions indexed by user ID.
	sessCache map[string]*Session
}

// NewSessionStore initializes a session store.
func NewSessionStore(maxUsers int) *SessionStore {
	return &SessionStore{
		maxUsers:  maxUsers,
		sessCache: make(map[string]*Session),
	}
}

// Register binds the session to its user ID and creates the directory entry. It fails with
// errUsernameTaken if the ID is already bound and with errServerFull if the store is at capacity.
func (ss *SessionStore) Register(s *Session, dir *Directory, label string, anonymous bool) (int, error) {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if _, taken := ss.sessCache[s.uid]; taken {
		return len(ss.sessCache), errUsernameTaken
	}
	if len(ss.sessCache) >= ss.maxUsers {
		return len(ss.sessCache), errServerFull
	}

	ss.sessCache[s.uid] = s
	dir.Set(s.uid, label, anonymous)

	return len(ss.sessCache), nil
}

// UpdateIdentity changes directory metadata of the session's user. It returns false if the
// session is no longer registered.
func (ss *SessionStore) UpdateIdentity(s *Session, dir *Directory, label string, anonymous bool) bool {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if ss.sessCache[s.uid] != s {
		return false
	}
	dir.Set(s.uid, label, anonymous)
	return true
}

// Get fetches a session by user ID.
func (ss *SessionStore) Get(uid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[uid]
}

// Delete removes the session and the directory entry of its user. Nothing is removed if the
// user ID is bound to a different session. Returns true if the session was removed.
func (ss *SessionStore) Delete(s *Session, dir *Directory) bool {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if ss.sessCache[s.uid] != s {
		return false
	}
	delete(ss.sessCache, s.uid)
	dir.Delete(s.uid)
	return true
}

// Count returns the number of registered sessions.
func (ss *SessionStore) Count() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return len(ss.sessCache)
}

// Snapshot returns all registered sessions together with their users' metadata, ordered by
// user ID. Both views are taken under one lock and match each other exactly.
func (ss *SessionStore) Snapshot(dir *Directory) ([]*Session, []UserInfo) {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	sessions := make([]*Session, 0, len(ss.sessCache))
	for _, s := range ss.sessCache {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].uid < sessions[j].uid })

	users := make([]UserInfo, len(sessions))
	for i, s := range sessions {
		users[i] = dir.Get(s.uid)
	}
	return sessions, users
}

// Shutdown asks every session to terminate. Sessions remove themselves as their
// connections close.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	for _, s := range ss.sessCache {
		s.terminate(nil)
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(ss.sessCache))
}
