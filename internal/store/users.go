package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chirp/sns/internal/auth"
)

// User is a row of the users table.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
}

// Identity returns the public identity of u.
func (u *User) Identity() auth.Identity {
	return auth.Identity{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
	}
}

// NewUser holds the fields needed to register an account.
type NewUser struct {
	Username     string
	DisplayName  string
	Email        string
	PasswordHash string
}

// UserStore manages accounts in PostgreSQL. It also resolves token
// subjects for the realtime handshake.
type UserStore struct {
	db *sql.DB
}

var _ auth.UserResolver = (*UserStore)(nil)

// NewUserStore creates a user store backed by the given database handle.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, username, display_name, email, password_hash, is_active, created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts a new account. A taken username or email yields ErrConflict.
func (s *UserStore) Create(ctx context.Context, nu NewUser) (*User, error) {
	const query = `
		INSERT INTO users (username, display_name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + userColumns

	u, err := scanUser(s.db.QueryRowContext(ctx, query, nu.Username, nu.DisplayName, nu.Email, nu.PasswordHash))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username or email already registered", ErrConflict)
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// Get returns the account with the given id, active or not.
func (s *UserStore) Get(ctx context.Context, id int64) (*User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return u, nil
}

// FindActiveByIdentifier looks an active account up by username or email.
func (s *UserStore) FindActiveByIdentifier(ctx context.Context, identifier string) (*User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE (username = $1 OR email = $1) AND is_active
		LIMIT 1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return u, nil
}

// SetActive activates or deactivates an account.
func (s *UserStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("store: set active %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveUser returns the identity of an active account. Missing and
// deactivated accounts both yield auth.ErrUserNotFound.
func (s *UserStore) ResolveUser(ctx context.Context, id int64) (*auth.Identity, error) {
	u, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && !u.IsActive) {
		return nil, fmt.Errorf("%w: id=%d", auth.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	identity := u.Identity()
	return &identity, nil
}
