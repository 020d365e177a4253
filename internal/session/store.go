package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all connection hashes.
	SessionPrefix = "sns:session:"

	// ServerSessionsPrefix is the key prefix of the per-server set of open
	// connection ids.
	ServerSessionsPrefix = "sns:server_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis. The
	// heartbeat refreshes it while the connection stays open.
	SessionTTL = 1 * time.Hour
)

// Session is one realtime connection record stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     int64  `redis:"user_id"`     // 0 for anonymous sessions
	Server     string `redis:"server"`      // which WS server instance
	JoinedAt   int64  `redis:"joined_at"`   // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new connection record with a 1h TTL and indexes it under
// this server.
func (s *Store) Create(ctx context.Context, sessionID string, userID int64) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"joined_at":   now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, s.indexKey(), sessionID)
	pipe.Expire(ctx, s.indexKey(), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Count returns the number of connection records indexed under this server.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("session: count %s: %w", s.serverName, err)
	}
	return n, nil
}

// Touch records activity and extends the TTL of the record and the server
// index.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, s.indexKey(), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection record and its entry in the server index.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.SRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) indexKey() string {
	return ServerSessionsPrefix + s.serverName
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
