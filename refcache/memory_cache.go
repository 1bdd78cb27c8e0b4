package refcache

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberinferno/bandbridge/bandsession"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCache is an in-process Cache backed by go-cache. A singleflight
// group makes concurrent callers for the same session wait on one
// calibration instead of each resizing the session's buffers in turn.
type MemoryCache struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCache creates an empty in-memory reference cache.
//
// Parameters:
//   - cleanupInterval: Interval at which expired references are purged
//
// Returns:
//   - A new MemoryCache
func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

// GetOrCalibrate implements Cache.
func (c *MemoryCache) GetOrCalibrate(
	ctx context.Context,
	name string,
	ttl time.Duration,
	calibrate CalibrateFunc,
) (bandsession.Reference, error) {
	if ref, ok := c.lookup(name); ok {
		return ref, nil
	}

	val, err, _ := c.group.Do(name, func() (interface{}, error) {
		if ref, ok := c.lookup(name); ok {
			return ref, nil
		}

		ref, err := calibrate(ctx)
		if err != nil {
			return bandsession.Reference{}, err
		}

		if ttl > 0 {
			c.cache.Set(name, ref, ttl)
		}

		return ref, nil
	})
	if err != nil {
		return bandsession.Reference{}, err
	}

	ref, ok := val.(bandsession.Reference)
	if !ok {
		return bandsession.Reference{}, fmt.Errorf("unexpected type in cache for session %s", name)
	}

	return ref, nil
}

func (c *MemoryCache) lookup(name string) (bandsession.Reference, bool) {
	val, found := c.cache.Get(name)
	if !found {
		return bandsession.Reference{}, false
	}
	ref, ok := val.(bandsession.Reference)
	return ref, ok
}

// Forget implements Cache.
func (c *MemoryCache) Forget(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.cache.Delete(name)
	return nil
}

// Clear implements Cache.
func (c *MemoryCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.cache.Flush()
	return nil
}

// Count implements Cache.
func (c *MemoryCache) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.cache.ItemCount(), nil
}
