package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pagination bounds for post listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

// Post is a post with its author and like aggregate. LikedByViewer is nil
// when the listing was made without a viewer.
type Post struct {
	ID            int64
	Content       string
	AuthorID      int64
	AuthorName    string // username
	AuthorDisplay string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LikeCount     int
	LikedByViewer *bool
}

// PostQuery filters and pages a listing.
type PostQuery struct {
	Page     int
	PageSize int
	Search   string // substring of content
	AuthorID int64  // 0 = any author
}

// Normalize clamps paging to valid bounds.
func (q PostQuery) Normalize() PostQuery {
	q.Page, q.PageSize = clampPage(q.Page, q.PageSize)
	return q
}

func clampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Paging locates one page inside a listing of Total rows.
type Paging struct {
	Total    int
	Page     int
	PageSize int
}

// HasNext reports whether a later page exists.
func (p Paging) HasNext() bool {
	return (p.Page-1)*p.PageSize+p.PageSize < p.Total
}

// HasPrev reports whether an earlier page exists.
func (p Paging) HasPrev() bool {
	return p.Page > 1
}

// PostPage is one page of a post listing.
type PostPage struct {
	Posts []Post
	Paging
}

// PostStore manages posts in PostgreSQL.
type PostStore struct {
	db *sql.DB
}

// NewPostStore creates a post store backed by the given database handle.
func NewPostStore(db *sql.DB) *PostStore {
	return &PostStore{db: db}
}

// postSelect reads a post with author and like aggregates; $1 is the viewer
// id (0 for none).
const postSelect = `
	SELECT p.id, p.content, p.author_id, u.username, u.display_name,
	       p.created_at, p.updated_at,
	       (SELECT COUNT(*) FROM likes l WHERE l.post_id = p.id),
	       EXISTS (SELECT 1 FROM likes l WHERE l.post_id = p.id AND l.user_id = $1)
	FROM posts p
	JOIN users u ON u.id = p.author_id`

func scanPost(row interface{ Scan(...interface{}) error }, viewerID int64) (*Post, error) {
	var (
		p     Post
		liked bool
	)
	if err := row.Scan(&p.ID, &p.Content, &p.AuthorID, &p.AuthorName, &p.AuthorDisplay,
		&p.CreatedAt, &p.UpdatedAt, &p.LikeCount, &liked); err != nil {
		return nil, err
	}
	if viewerID != 0 {
		p.LikedByViewer = &liked
	}
	return &p, nil
}

// Create inserts a post and returns it with its author fields filled in.
func (s *PostStore) Create(ctx context.Context, authorID int64, content string) (*Post, error) {
	const query = `
		WITH inserted AS (
			INSERT INTO posts (content, author_id) VALUES ($1, $2)
			RETURNING id, content, author_id, created_at, updated_at
		)
		SELECT p.id, p.content, p.author_id, u.username, u.display_name,
		       p.created_at, p.updated_at, 0, FALSE
		FROM inserted p
		JOIN users u ON u.id = p.author_id`

	p, err := scanPost(s.db.QueryRowContext(ctx, query, content, authorID), 0)
	if err != nil {
		return nil, fmt.Errorf("store: create post: %w", err)
	}
	return p, nil
}

// Get returns one post as seen by viewerID (0 for anonymous).
func (s *PostStore) Get(ctx context.Context, id, viewerID int64) (*Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, postSelect+` WHERE p.id = $2`, viewerID, id), viewerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get post %d: %w", id, err)
	}
	return p, nil
}

// likeEscaper escapes LIKE wildcards in user-supplied search text.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// filter builds the WHERE clause of a listing with placeholders numbered
// from first.
func (q PostQuery) filter(first int) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if q.Search != "" {
		args = append(args, "%"+likeEscaper.Replace(q.Search)+"%")
		where = append(where, fmt.Sprintf("p.content LIKE $%d", first+len(args)-1))
	}
	if q.AuthorID != 0 {
		args = append(args, q.AuthorID)
		where = append(where, fmt.Sprintf("p.author_id = $%d", first+len(args)-1))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// List returns posts newest first.
func (s *PostStore) List(ctx context.Context, q PostQuery, viewerID int64) (*PostPage, error) {
	q = q.Normalize()

	clause, args := q.filter(1)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts p`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("store: count posts: %w", err)
	}

	clause, args = q.filter(2)
	args = append([]interface{}{viewerID}, args...)
	args = append(args, q.PageSize, (q.Page-1)*q.PageSize)
	listQuery := postSelect + clause +
		fmt.Sprintf(" ORDER BY p.created_at DESC, p.id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list posts: %w", err)
	}
	defer rows.Close()

	page := &PostPage{Posts: []Post{}, Paging: Paging{Total: total, Page: q.Page, PageSize: q.PageSize}}
	for rows.Next() {
		p, err := scanPost(rows, viewerID)
		if err != nil {
			return nil, fmt.Errorf("store: scan post: %w", err)
		}
		page.Posts = append(page.Posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list posts: %w", err)
	}
	return page, nil
}

// CountByAuthor returns how many posts authorID has written.
func (s *PostStore) CountByAuthor(ctx context.Context, authorID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE author_id = $1`, authorID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count posts of %d: %w", authorID, err)
	}
	return n, nil
}

// Delete removes a post owned by userID and returns its author id. Deleting
// another user's post yields ErrForbidden.
func (s *PostStore) Delete(ctx context.Context, id, userID int64) (authorID int64, err error) {
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT author_id FROM posts WHERE id = $1 FOR UPDATE`, id).Scan(&authorID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: lock post %d: %w", id, err)
		}
		if authorID != userID {
			return ErrForbidden
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id); err != nil {
			return fmt.Errorf("store: delete post %d: %w", id, err)
		}
		return nil
	})
	return authorID, err
}
