// Package session resolves bearer tokens to user identities and records
// last-active timestamps. Both live in Redis; token issuance happens
// elsewhere and only writes the hashes read here.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for token hashes.
	SessionPrefix = "session:"

	// LastActivePrefix is the Redis key prefix for per-user last-active
	// timestamps (unix milliseconds).
	LastActivePrefix = "last_active:"

	// SessionTTL is the idle lifetime of a token; Resolve refreshes it.
	SessionTTL = 24 * time.Hour
)

// ErrNoSession is returned when a token is unknown or expired.
var ErrNoSession = errors.New("session: no such session")

// Identity is what a token resolves to.
type Identity struct {
	UserID    string `redis:"user_id"`
	Admin     bool   `redis:"admin"`
	CreatedAt int64  `redis:"created_at"` // unix timestamp
}

// Store manages token and last-active state in Redis.
type Store struct {
	client *redis.Client
}

// Connect dials Redis and verifies the connection.
func Connect(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a session store on an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create stores a token for userID.
func (s *Store) Create(ctx context.Context, token string, id Identity) error {
	if token == "" || id.UserID == "" {
		return fmt.Errorf("session: token and user id are required")
	}
	key := SessionPrefix + token
	if id.CreatedAt == 0 {
		id.CreatedAt = time.Now().Unix()
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":    id.UserID,
		"admin":      id.Admin,
		"created_at": id.CreatedAt,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Resolve returns the identity behind token and refreshes its TTL.
func (s *Store) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	key := SessionPrefix + token

	var id Identity
	if err := s.client.HGetAll(ctx, key).Scan(&id); err != nil {
		return nil, fmt.Errorf("session: resolve: %w", err)
	}
	if id.UserID == "" {
		return nil, ErrNoSession
	}
	s.client.Expire(ctx, key, SessionTTL)
	return &id, nil
}

// Authenticate resolves token to a user id.
func (s *Store) Authenticate(ctx context.Context, token string) (string, error) {
	id, err := s.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

// Delete revokes a token.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, SessionPrefix+token).Err()
}

// TouchLastActive records at as userID's last-active time.
func (s *Store) TouchLastActive(ctx context.Context, userID string, at time.Time) error {
	return s.client.Set(ctx, LastActivePrefix+userID, at.UnixMilli(), 0).Err()
}

// LastActive returns userID's last-active time. ok is false if none was ever
// recorded.
func (s *Store) LastActive(ctx context.Context, userID string) (t time.Time, ok bool, err error) {
	v, err := s.client.Get(ctx, LastActivePrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: corrupt last-active for %s: %w", userID, err)
	}
	return time.UnixMilli(ms), true, nil
}
