package presence

import (
	"sync"

	"github.com/chirp/sns/internal/auth"
)

// TypingEntry is a user currently composing. Only "is typing" entries are
// stored; stopping removes the entry.
type TypingEntry struct {
	UserID      int64
	Username    string
	DisplayName string
	IsTyping    bool
}

// TypingTable is the server-side ephemeral typing flag per user. It has no
// timeout: an entry lives until Stop or Clear.
type TypingTable struct {
	mu    sync.Mutex
	users map[int64]TypingEntry
}

// NewTypingTable creates an empty typing table.
func NewTypingTable() *TypingTable {
	return &TypingTable{users: make(map[int64]TypingEntry)}
}

// Start flags user as typing and returns the entry.
func (t *TypingTable) Start(user auth.Identity) TypingEntry {
	e := TypingEntry{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		IsTyping:    true,
	}
	t.mu.Lock()
	t.users[user.ID] = e
	t.mu.Unlock()
	return e
}

// Stop clears the flag. It reports whether the user was flagged.
func (t *TypingTable) Stop(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	delete(t.users, userID)
	return ok
}

// IsTyping reports whether userID is flagged.
func (t *TypingTable) IsTyping(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	return ok
}

// Count returns the number of users flagged as typing.
func (t *TypingTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// Clear drops every entry.
func (t *TypingTable) Clear() {
	t.mu.Lock()
	t.users = make(map[int64]TypingEntry)
	t.mu.Unlock()
}
