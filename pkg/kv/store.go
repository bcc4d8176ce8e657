package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("key not found")
)

// Store is the narrow key/value surface the gateway needs: JSON documents
// with TTLs, windowed counters and plain sets. Sessions, challenges, rate
// counters and the suspicious-IP registry all live behind it.
type Store interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// IncrWindow atomically increments a counter and sets its TTL on first
	// write (first-write wins, the window is aligned to the clock).
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
}
