package cache

import (
	"context"
	"time"
)

// Backend is a key-value store with per-entry TTLs. Get reports presence
// separately from errors so a clean miss is not an error. A ttl <= 0 stores
// the entry without expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
