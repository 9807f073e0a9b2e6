// Package ratelimit throttles typing relays, message creation and push
// upgrades with fixed Redis windows. Every check fails open: a Redis outage
// must not block chat traffic.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/metrics"
)

// Rule is one fixed-window policy. Key prefixes the identifier in Redis.
type Rule struct {
	Name   string
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleTyping allows 20 typing/stop_typing relays per 10 seconds per user.
	RuleTyping = Rule{Name: "typing", Key: "rl:typing:", Limit: 20, Window: 10 * time.Second}

	// RuleMessage allows 10 created messages per 10 seconds per user.
	RuleMessage = Rule{Name: "message", Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 10 push upgrades per minute per remote address.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 10, Window: time.Minute}
)

// windowScript increments the counter and starts the window on the first
// hit in one round trip, so a key can never be left without a TTL. It
// returns the count and the window's remaining milliseconds.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Decision is the outcome of one Reserve.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: log}
}

// Reserve counts one request for identifier under rule. On a Redis error
// it returns an allowing decision together with the error.
func (l *Limiter) Reserve(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	open := Decision{Allowed: true, Remaining: rule.Limit}

	res, err := windowScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, failing open")
		return open, err
	}
	if len(res) != 2 {
		err := errors.New("ratelimit: unexpected script reply")
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, failing open")
		return open, err
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if count > rule.Limit {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
		return Decision{RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: rule.Limit - count}, nil
}

// Allow reports whether identifier is within rule, failing open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	d, err := l.Reserve(ctx, identifier, rule)
	return d.Allowed, err
}

// RetryAfter returns how long until identifier's window under rule resets,
// or zero when no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// Remaining returns how many requests identifier has left in the current
// window without counting one. It returns the full limit on errors.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit lookup failed, failing open")
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}
