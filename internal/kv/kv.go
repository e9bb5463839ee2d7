// Package kv defines the shared key/value store used by every gateway
// component, both as hot cache and as the authoritative state for
// revocations, lockouts, velocity counters, and session membership.
//
// Two implementations exist: RedisStore wraps go-redis v9, and
// MemoryStore is the in-process fallback used in development and tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// ErrUnavailable wraps transport-level failures. Callers at the decision
// boundary must treat it as deny, never as allow.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the operation surface the gateway requires from its key/value
// backend. All methods honor the deadline carried by ctx.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// List operations (newest-first semantics, LPUSH ordering).
	LPush(ctx context.Context, key string, values ...[]byte) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Set operations.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Scan iterates keys matching prefix. The returned slice is a full
	// materialization; prefixes in this system are bounded per user.
	Scan(ctx context.Context, prefix string) ([]string, error)
}
