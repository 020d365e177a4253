package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/chirp/sns/internal/protocol"
)

// TypingTimeout is how long a typing indicator survives without a fresh
// typing:start. The server never times typing out, so a peer that vanishes
// mid-draft is cleared here.
const TypingTimeout = 2 * time.Second

// LikeState is the locally cached like state of one post.
type LikeState struct {
	Count int
	Liked bool // only meaningful for the viewer's own likes
}

type typingEntry struct {
	user protocol.TypingMsg
	seen time.Time
}

// State is the receiver-side view of the realtime stream. Every update
// replaces keyed state instead of accumulating, so applying the same event
// twice leaves the same result.
type State struct {
	mu sync.RWMutex

	self    int64
	online  []protocol.OnlineUser
	count   int
	typing  map[int64]typingEntry
	likes   map[int64]LikeState
	deleted map[int64]bool
	posts   []protocol.PostCreatedMsg

	now     func() time.Time
	refresh func() // asks the server for a presence snapshot
}

// NewState creates an empty State for the user selfID.
func NewState(selfID int64) *State {
	return &State{
		self:    selfID,
		typing:  make(map[int64]typingEntry),
		likes:   make(map[int64]LikeState),
		deleted: make(map[int64]bool),
		now:     time.Now,
	}
}

// SetRefresh installs the function called when a user:connected or
// user:disconnected event makes the local presence list stale.
func (s *State) SetRefresh(fn func()) {
	s.mu.Lock()
	s.refresh = fn
	s.mu.Unlock()
}

// Handlers returns the event handlers that feed s, keyed by event type.
func (s *State) Handlers() map[string]func(json.RawMessage) {
	types := []string{
		protocol.TypeUsersOnline,
		protocol.TypeUserConnected,
		protocol.TypeUserDisconnected,
		protocol.TypeTypingStart,
		protocol.TypeTypingStop,
		protocol.TypePostCreated,
		protocol.TypePostDeleted,
		protocol.TypePostLiked,
		protocol.TypePostUnliked,
	}
	return lo.SliceToMap(types, func(t string) (string, func(json.RawMessage)) {
		return t, func(raw json.RawMessage) { _ = s.Apply(raw) }
	})
}

// Apply decodes one server event and folds it into the state.
func (s *State) Apply(raw []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	switch env.Type {
	case protocol.TypeUsersOnline:
		var m protocol.OnlineUsersMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("client: decode %s: %w", env.Type, err)
		}
		s.mu.Lock()
		s.online = m.Users
		s.count = m.Count
		s.mu.Unlock()

	case protocol.TypeUserConnected, protocol.TypeUserDisconnected:
		s.mu.RLock()
		refresh := s.refresh
		s.mu.RUnlock()
		if refresh != nil {
			refresh()
		}

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		var m protocol.TypingMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("client: decode %s: %w", env.Type, err)
		}
		s.mu.Lock()
		if m.IsTyping {
			s.typing[m.UserID] = typingEntry{user: m, seen: s.now()}
		} else {
			delete(s.typing, m.UserID)
		}
		s.mu.Unlock()

	case protocol.TypePostCreated:
		var m protocol.PostCreatedMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("client: decode %s: %w", env.Type, err)
		}
		s.mu.Lock()
		if !s.deleted[m.ID] && !lo.ContainsBy(s.posts, func(p protocol.PostCreatedMsg) bool { return p.ID == m.ID }) {
			s.posts = append([]protocol.PostCreatedMsg{m}, s.posts...)
			s.likes[m.ID] = LikeState{Count: m.LikeCount}
		}
		s.mu.Unlock()

	case protocol.TypePostDeleted:
		var m protocol.PostDeletedMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("client: decode %s: %w", env.Type, err)
		}
		s.mu.Lock()
		s.deleted[m.ID] = true
		s.posts = lo.Reject(s.posts, func(p protocol.PostCreatedMsg, _ int) bool { return p.ID == m.ID })
		delete(s.likes, m.ID)
		s.mu.Unlock()

	case protocol.TypePostLiked, protocol.TypePostUnliked:
		var m protocol.PostLikedMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("client: decode %s: %w", env.Type, err)
		}
		s.mu.Lock()
		if !s.deleted[m.PostID] {
			ls := s.likes[m.PostID]
			ls.Count = m.LikeCount
			if m.UserID == s.self {
				ls.Liked = m.IsLiked
			}
			s.likes[m.PostID] = ls
		}
		s.mu.Unlock()
	}
	return nil
}

// Online returns the last presence snapshot.
func (s *State) Online() ([]protocol.OnlineUser, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.OnlineUser(nil), s.online...), s.count
}

// Typing returns the users currently shown as typing, ordered by user id.
// Entries older than TypingTimeout are dropped.
func (s *State) Typing() []protocol.TypingMsg {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.typing {
		if now.Sub(e.seen) >= TypingTimeout {
			delete(s.typing, id)
		}
	}
	out := lo.MapToSlice(s.typing, func(_ int64, e typingEntry) protocol.TypingMsg { return e.user })
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Like returns the cached like state of a post.
func (s *State) Like(postID int64) (LikeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.likes[postID]
	return ls, ok
}

// Posts returns the posts announced since the state was created, newest
// first, minus deleted ones.
func (s *State) Posts() []protocol.PostCreatedMsg {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.PostCreatedMsg(nil), s.posts...)
}

// Reset drops presence and typing, which are only valid while connected.
func (s *State) Reset() {
	s.mu.Lock()
	s.online = nil
	s.count = 0
	s.typing = make(map[int64]typingEntry)
	s.mu.Unlock()
}
