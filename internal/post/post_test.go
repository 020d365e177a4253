package post

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirp/sns/internal/store"
)

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "hello", "hello", false},
		{"trimmed", "  hello \n", "hello", false},
		{"empty", "", "", true},
		{"whitespace only", " \t\n ", "", true},
		{"exactly 280", strings.Repeat("a", 280), strings.Repeat("a", 280), false},
		{"281", strings.Repeat("a", 281), "", true},
		{"280 multibyte", strings.Repeat("日", 280), strings.Repeat("日", 280), false},
		{"281 multibyte", strings.Repeat("日", 281), "", true},
		{"invalid utf8", "ok\xff", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeContent(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidContent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreatedEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := CreatedEvent(&store.Post{
		ID: 9, Content: "hi", AuthorID: 1, AuthorName: "alice", AuthorDisplay: "Alice",
		CreatedAt: at, LikeCount: 0,
	})
	assert.Equal(t, int64(9), ev.ID)
	assert.Equal(t, "alice", ev.Author.Username)
	assert.Equal(t, "Alice", ev.Author.DisplayName)
	assert.True(t, ev.CreatedAt.Equal(at))
}

func TestLikeEvent(t *testing.T) {
	ev := LikeEvent(&store.LikeResult{PostID: 7, UserID: 2, Username: "bob", LikeCount: 3, IsLiked: true})
	assert.Equal(t, int64(7), ev.PostID)
	assert.Equal(t, 3, ev.LikeCount)
	assert.True(t, ev.IsLiked)

	del := DeletedEvent(7, 1)
	assert.Equal(t, int64(1), del.AuthorID)
}
