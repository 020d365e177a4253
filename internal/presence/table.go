// Package presence holds the in-memory, per-process view of who is online
// and who is typing. Nothing here is persisted; a Table is constructed once
// per server process and handed to the realtime gateway.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/protocol"
)

// Entry is one online user.
type Entry struct {
	UserID      int64
	Username    string
	DisplayName string
	ConnectedAt time.Time
}

type record struct {
	entry    Entry
	sessions map[string]struct{}
}

// Table tracks online users keyed by user id. Each user keeps the set of
// session ids attributed to them, so a second tab does not overwrite the
// first and closing one tab does not mark the user offline while another is
// still open.
type Table struct {
	mu    sync.Mutex
	users map[int64]*record
	now   func() time.Time
}

// NewTable creates an empty presence table.
func NewTable() *Table {
	return &Table{
		users: make(map[int64]*record),
		now:   time.Now,
	}
}

// Add attributes sessionID to user. It returns the user's entry and whether
// this session brought the user online (first open session).
func (t *Table) Add(user auth.Identity, sessionID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[user.ID]
	if !ok {
		rec = &record{
			entry: Entry{
				UserID:      user.ID,
				Username:    user.Username,
				DisplayName: user.DisplayName,
				ConnectedAt: t.now().UTC(),
			},
			sessions: make(map[string]struct{}),
		}
		t.users[user.ID] = rec
	}
	rec.sessions[sessionID] = struct{}{}
	return rec.entry, !ok
}

// Remove detaches sessionID from userID. It returns the removed entry and
// true only when that was the user's last session. Removing an unknown user
// or session is a no-op.
func (t *Table) Remove(userID int64, sessionID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[userID]
	if !ok {
		return Entry{}, false
	}
	if _, ok := rec.sessions[sessionID]; !ok {
		return Entry{}, false
	}
	delete(rec.sessions, sessionID)
	if len(rec.sessions) > 0 {
		return Entry{}, false
	}
	delete(t.users, userID)
	return rec.entry, true
}

// IsOnline reports whether the user has at least one open session.
func (t *Table) IsOnline(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	return ok
}

// Get returns the entry for userID.
func (t *Table) Get(userID int64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.users[userID]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// Sessions returns the number of sessions attributed to userID.
func (t *Table) Sessions(userID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.users[userID]; ok {
		return len(rec.sessions)
	}
	return 0
}

// Count returns the number of distinct online users.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// Entries returns all entries ordered by connection time, then user id.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	entries := make([]Entry, 0, len(t.users))
	for _, rec := range t.users {
		entries = append(entries, rec.entry)
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ConnectedAt.Equal(entries[j].ConnectedAt) {
			return entries[i].ConnectedAt.Before(entries[j].ConnectedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// Snapshot materializes the table as a users:online payload.
func (t *Table) Snapshot() protocol.OnlineUsersMsg {
	users := lo.Map(t.Entries(), func(e Entry, _ int) protocol.OnlineUser {
		return protocol.OnlineUser{
			UserID:      e.UserID,
			Username:    e.Username,
			DisplayName: e.DisplayName,
		}
	})
	return protocol.OnlineUsersMsg{Users: users, Count: len(users)}
}

// Clear drops every entry. Called on shutdown and between tests.
func (t *Table) Clear() {
	t.mu.Lock()
	t.users = make(map[int64]*record)
	t.mu.Unlock()
}
