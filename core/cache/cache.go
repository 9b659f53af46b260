// Package cache provides the external cache used to pin down passing test
// results. Once a test case has passed for a subject it stays passed for the
// lifetime of the entry, even if the result store later garbage-collects the
// underlying result.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values with a backend-level TTL. Get returns
// (nil, nil) on a miss: a miss is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// DefaultTTL keeps sticky entries long enough to outlive result
// garbage collection between decision requests.
const DefaultTTL = 24 * time.Hour
