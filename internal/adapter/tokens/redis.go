// Package tokens issues short-lived bearer tokens for stream subscriptions.
// EventSource clients cannot set headers, so the token rides the query
// string; keeping it single-purpose and short-lived bounds the exposure.
package tokens

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stream:token:"

// Store keeps issued tokens in Redis with a TTL.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore connects to Redis at addr.
func NewStore(addr string, ttl time.Duration) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{Addr: addr}), ttl: ttl}
}

// NewStoreWithClient wraps an existing client; tests use it with miniredis.
func NewStoreWithClient(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Issue mints a new token valid for the store's TTL.
func (s *Store) Issue(ctx context.Context) (string, error) {
	token := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	if err := s.rdb.Set(ctx, keyPrefix+token, "1", s.ttl).Err(); err != nil {
		return "", fmt.Errorf("op=tokens.issue: %w", err)
	}
	return token, nil
}

// Validate reports whether the token was issued and has not expired. Tokens
// stay valid for their full TTL so a client may reconnect with the same one.
func (s *Store) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	err := s.rdb.Get(ctx, keyPrefix+token).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=tokens.validate: %w", err)
	}
	return true, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error { return s.rdb.Close() }
