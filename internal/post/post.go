// Package post holds the content rules for posts and the mapping from stored
// posts to the events the realtime layer fans out.
package post

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chirp/sns/internal/protocol"
	"github.com/chirp/sns/internal/store"
)

const (
	MaxContentChars = 280
	MaxContentBytes = 4 * MaxContentChars // worst case for 4-byte runes
)

var ErrInvalidContent = errors.New("post: invalid content")

// NormalizeContent trims surrounding whitespace and checks that what is left
// is valid UTF-8 of 1 to MaxContentChars characters.
func NormalizeContent(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", fmt.Errorf("%w: content is empty", ErrInvalidContent)
	}
	if len(text) > MaxContentBytes {
		return "", fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidContent, MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidContent)
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return "", fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidContent, MaxContentChars)
	}
	return text, nil
}

// CreatedEvent builds the post:created payload for p.
func CreatedEvent(p *store.Post) protocol.PostCreatedMsg {
	return protocol.PostCreatedMsg{
		ID:      p.ID,
		Content: p.Content,
		Author: protocol.Author{
			ID:          p.AuthorID,
			Username:    p.AuthorName,
			DisplayName: p.AuthorDisplay,
		},
		CreatedAt: p.CreatedAt,
		LikeCount: p.LikeCount,
	}
}

// DeletedEvent builds the post:deleted payload.
func DeletedEvent(id, authorID int64) protocol.PostDeletedMsg {
	return protocol.PostDeletedMsg{ID: id, AuthorID: authorID}
}

// LikeEvent builds the post:liked or post:unliked payload from a like
// result. The count is the absolute count after the change.
func LikeEvent(r *store.LikeResult) protocol.PostLikedMsg {
	return protocol.PostLikedMsg{
		PostID:    r.PostID,
		UserID:    r.UserID,
		Username:  r.Username,
		LikeCount: r.LikeCount,
		IsLiked:   r.IsLiked,
	}
}
