/******************************************************************************
 *
 *  Description :
 *
 *  Display metadata of connected users: label and anonymity flag.
 *
 *****************************************************************************/

package main

import (
	"sync"
)

// UserInfo is the public identity of a user as shown in presence snapshots.
type UserInfo struct {
	Username  string `json:"username"`
	Label     string `json:"label"`
	Anonymous bool   `json:"anonymous"`
}

type identity struct {
	label     string
	anonymous bool
}

// Directory maps user IDs to display metadata. Labels are not unique.
// Callers trigger a presence broadcast after mutating it.
type Directory struct {
	lock  sync.RWMutex
	users map[string]identity
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]identity)}
}

// Set creates or overwrites metadata of the user.
func (d *Directory) Set(uid, label string, anonymous bool) {
	d.lock.Lock()
	d.users[uid] = identity{label: label, anonymous: anonymous}
	d.lock.Unlock()
}

// Get returns metadata of the user. Unknown users are reported under their ID as non-anonymous.
func (d *Directory) Get(uid string) UserInfo {
	d.lock.RLock()
	id, ok := d.users[uid]
	d.lock.RUnlock()

	if !ok {
		return UserInfo{Username: uid, Label: uid}
	}
	return UserInfo{Username: uid, Label: id.label, Anonymous: id.anonymous}
}

// Delete removes the user. Removing an absent user is a no-op.
func (d *Directory) Delete(uid string) {
	d.lock.Lock()
	delete(d.users, uid)
	d.lock.Unlock()
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.users)
}
