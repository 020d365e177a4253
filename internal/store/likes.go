package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LikeResult is the outcome of a like or unlike: the absolute like count
// after the change plus the display fields of the user who acted.
type LikeResult struct {
	PostID    int64
	UserID    int64
	Username  string
	LikeCount int
	IsLiked   bool
}

// Like is one user's like of a post, as shown in a likers listing.
type Like struct {
	ID          int64
	UserID      int64
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// LikePage is one page of the likers of a post, newest first.
type LikePage struct {
	Likes []Like
	Paging
}

// LikeStore manages likes in PostgreSQL.
type LikeStore struct {
	db *sql.DB
}

// NewLikeStore creates a like store backed by the given database handle.
func NewLikeStore(db *sql.DB) *LikeStore {
	return &LikeStore{db: db}
}

// Like records userID liking postID. A second like by the same user yields
// ErrConflict; a missing post yields ErrNotFound.
func (s *LikeStore) Like(ctx context.Context, postID, userID int64) (*LikeResult, error) {
	res := &LikeResult{PostID: postID, UserID: userID, IsLiked: true}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockPost(ctx, tx, postID); err != nil {
			return err
		}

		r, err := tx.ExecContext(ctx, `
			INSERT INTO likes (user_id, post_id) VALUES ($1, $2)
			ON CONFLICT (user_id, post_id) DO NOTHING`, userID, postID)
		if err != nil {
			return fmt.Errorf("store: insert like: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: post %d already liked", ErrConflict, postID)
		}
		return fillLikeResult(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Unlike removes userID's like of postID. A missing post or like yields
// ErrNotFound.
func (s *LikeStore) Unlike(ctx context.Context, postID, userID int64) (*LikeResult, error) {
	res := &LikeResult{PostID: postID, UserID: userID, IsLiked: false}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockPost(ctx, tx, postID); err != nil {
			return err
		}

		r, err := tx.ExecContext(ctx, `DELETE FROM likes WHERE user_id = $1 AND post_id = $2`, userID, postID)
		if err != nil {
			return fmt.Errorf("store: delete like: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: like on post %d", ErrNotFound, postID)
		}
		return fillLikeResult(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Status reports whether userID likes postID and the current count.
func (s *LikeStore) Status(ctx context.Context, postID, userID int64) (*LikeResult, error) {
	const query = `
		SELECT (SELECT COUNT(*) FROM likes WHERE post_id = p.id),
		       EXISTS (SELECT 1 FROM likes WHERE post_id = p.id AND user_id = $2)
		FROM posts p WHERE p.id = $1`

	res := &LikeResult{PostID: postID, UserID: userID}
	err := s.db.QueryRowContext(ctx, query, postID, userID).Scan(&res.LikeCount, &res.IsLiked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: like status: %w", err)
	}
	return res, nil
}

// List returns the users who liked postID, newest like first. A missing post
// yields ErrNotFound.
func (s *LikeStore) List(ctx context.Context, postID int64, page, pageSize int) (*LikePage, error) {
	page, pageSize = clampPage(page, pageSize)

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM likes WHERE post_id = p.id)
		FROM posts p WHERE p.id = $1`, postID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: count likes of %d: %w", postID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, u.id, u.username, u.display_name, l.created_at
		FROM likes l
		JOIN users u ON u.id = l.user_id
		WHERE l.post_id = $1
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT $2 OFFSET $3`, postID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("store: list likes of %d: %w", postID, err)
	}
	defer rows.Close()

	res := &LikePage{Likes: []Like{}, Paging: Paging{Total: total, Page: page, PageSize: pageSize}}
	for rows.Next() {
		var l Like
		if err := rows.Scan(&l.ID, &l.UserID, &l.Username, &l.DisplayName, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan like: %w", err)
		}
		res.Likes = append(res.Likes, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list likes of %d: %w", postID, err)
	}
	return res, nil
}

// CountByUser returns how many posts userID has liked.
func (s *LikeStore) CountByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM likes WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count likes by %d: %w", userID, err)
	}
	return n, nil
}

// lockPost serializes like changes on one post so the count read after the
// change matches the order of the events.
func lockPost(ctx context.Context, tx *sql.Tx, postID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM posts WHERE id = $1 FOR UPDATE`, postID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lock post %d: %w", postID, err)
	}
	return nil
}

func fillLikeResult(ctx context.Context, tx *sql.Tx, res *LikeResult) error {
	const query = `
		SELECT (SELECT COUNT(*) FROM likes WHERE post_id = $1), u.username
		FROM users u WHERE u.id = $2`
	if err := tx.QueryRowContext(ctx, query, res.PostID, res.UserID).Scan(&res.LikeCount, &res.Username); err != nil {
		return fmt.Errorf("store: like count: %w", err)
	}
	return nil
}
