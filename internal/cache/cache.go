package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/monitoring"
)

// Cache layers the shared backend behind an in-process tier. Writes go to
// both tiers; reads prefer the primary and fall back to the local tier only
// when the primary errors, so a short Redis outage serves the last written
// snapshot instead of failing the request path. A primary miss is a miss:
// the local tier never holds keys the primary does not.
type Cache struct {
	primary Backend
	local   Backend
	logger  zerolog.Logger
}

func New(primary, local Backend, logger zerolog.Logger) *Cache {
	return &Cache{
		primary: primary,
		local:   local,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.primary.Get(ctx, key)
	if err == nil {
		return val, found, nil
	}
	monitoring.CacheErrorsTotal.WithLabelValues("get").Inc()
	c.logger.Warn().Err(err).Str("key", key).Msg("primary cache read failed, serving local tier")
	return c.local.Get(ctx, key)
}

// Set writes the local tier first so a concurrent primary failure still
// leaves fallback data in place, then writes the primary. The primary error,
// if any, is the caller's signal.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("local cache write failed")
	}
	if err := c.primary.Set(ctx, key, value, ttl); err != nil {
		monitoring.CacheErrorsTotal.WithLabelValues("set").Inc()
		return err
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("local cache delete failed")
	}
	if err := c.primary.Delete(ctx, key); err != nil {
		monitoring.CacheErrorsTotal.WithLabelValues("delete").Inc()
		return err
	}
	return nil
}

// GetJSON unmarshals the cached value into dst. It reports false when the
// key is absent from both tiers.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	val, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(val, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

func (c *Cache) Close() error {
	lerr := c.local.Close()
	if err := c.primary.Close(); err != nil {
		return err
	}
	return lerr
}
