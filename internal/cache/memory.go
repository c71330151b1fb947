package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend keeps blobs in-process. It backs the local tier of the
// layered cache so read endpoints survive a Redis outage on per-process
// snapshots.
type MemoryBackend struct {
	store *gocache.Cache
}

// NewMemoryBackend builds an in-process store whose janitor evicts expired
// entries every cleanupInterval.
func NewMemoryBackend(defaultTTL, cleanupInterval time.Duration) *MemoryBackend {
	return &MemoryBackend{store: gocache.New(defaultTTL, cleanupInterval)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := b.store.Get(key)
	if !found {
		return nil, false, nil
	}
	return val.([]byte), true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	b.store.Set(key, value, ttl)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.store.Delete(key)
	return nil
}

func (b *MemoryBackend) Close() error {
	b.store.Flush()
	return nil
}
