// Package kv is a small TTL'd key/value surface the gateway uses to carry
// provider continuation blobs (thinking signatures) across the
// request/response boundary. Writes are last-wins; reads tolerate staleness.
package kv

import (
	"context"
	"time"
)

// Store is the backend contract. Get reports a miss with ok=false and a
// nil error; errors are reserved for backend failures.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}
