// Package ban manages account blocks backed by Redis. A blocked account
// cannot upgrade a push connection and is disconnected with a
// policy-violation close when the block is applied:
//
//	Key:   account_block:<userID>
//	Value: <reason>
//	TTL:   block duration (none for a permanent block)
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BlockPrefix is the Redis key prefix for account block records.
	BlockPrefix = "account_block:"

	// OffensesPrefix is the Redis key prefix for moderation offense counters.
	OffensesPrefix = "offenses:"

	// Escalating block durations for automatic moderation blocks.
	Block15Min  = 15 * time.Minute // threshold reached
	Block1Hour  = 1 * time.Hour    // one more offense
	Block24Hour = 24 * time.Hour   // any further offense

	// OffensesTTL is how long the offense counter lives in Redis.
	// After 24h without new offenses the counter resets to zero.
	OffensesTTL = 24 * time.Hour

	// AutoBlockThreshold is the number of offenses within OffensesTTL that
	// triggers an automatic block.
	AutoBlockThreshold = 3
)

// Status describes a current block.
type Status struct {
	Blocked   bool
	Reason    string
	Remaining time.Duration // zero for a permanent block
}

// Store manages account block records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Status reports whether userID is blocked. Redis errors are returned so
// callers can decide how to handle them.
func (s *Store) Status(ctx context.Context, userID string) (Status, error) {
	key := BlockPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	st := Status{Blocked: true, Reason: reason}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The block exists but the TTL is unreadable. Report it blocked
		// rather than swallowing the block.
		return st, nil
	}
	if ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// IsBlocked reports whether userID is currently blocked.
func (s *Store) IsBlocked(ctx context.Context, userID string) (bool, error) {
	st, err := s.Status(ctx, userID)
	return st.Blocked, err
}

// Block blocks userID for duration. A zero duration blocks permanently.
func (s *Store) Block(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if reason == "" {
		reason = "blocked"
	}
	return s.client.Set(ctx, BlockPrefix+userID, reason, duration).Err()
}

// Unblock lifts a block immediately.
func (s *Store) Unblock(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BlockPrefix+userID).Err()
}

// ---------------------------------------------------------------------------
// Automatic moderation blocks
// ---------------------------------------------------------------------------

// escalationDuration returns the block duration for an offense count at or
// above the threshold.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= AutoBlockThreshold:
		return Block15Min
	case offenseCount == AutoBlockThreshold+1:
		return Block1Hour
	default:
		return Block24Hour
	}
}

// OffenseCount returns the current offense counter for userID. Returns 0 if
// the key does not exist.
func (s *Store) OffenseCount(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, OffensesPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// RecordOffense increments userID's offense counter and blocks the account
// once AutoBlockThreshold offenses accumulate within OffensesTTL:
//
//	3rd offense  -> 15 minutes
//	4th offense  -> 1 hour
//	5th+ offense -> 24 hours
//
// The counter TTL is set on first increment so the window doesn't slide.
// Returns whether a block was applied and its duration.
func (s *Store) RecordOffense(ctx context.Context, userID, reason string) (bool, time.Duration, error) {
	key := OffensesPrefix + userID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: offense incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: offense expire: %w", err)
		}
	}

	if count < AutoBlockThreshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count))
	if err := s.Block(ctx, userID, duration, reason); err != nil {
		return false, 0, fmt.Errorf("ban: offense block: %w", err)
	}
	return true, duration, nil
}
