package refcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyberinferno/bandbridge/bandsession"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "bandbridge:ref:"

	lockTTL     = 30 * time.Second
	waitTimeout = 60 * time.Second
	outcomeTTL  = 10 * time.Second
)

var (
	ErrWaitTimeout       = errors.New("refcache: timeout waiting for reference")
	ErrCalibrationFailed = errors.New("refcache: calibration by another caller failed")
)

// outcome is what a lock holder publishes for the callers waiting on its
// calibration. It is kept for outcomeTTL whatever the reuse window.
type outcome struct {
	Ref     *bandsession.Reference `json:"ref,omitempty"`
	Timeout bool                   `json:"timeout,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func newOutcome(ref bandsession.Reference, err error) outcome {
	switch {
	case err == nil:
		return outcome{Ref: &ref}
	case errors.Is(err, bandsession.ErrSensorTimeout):
		return outcome{Timeout: true, Error: err.Error()}
	default:
		return outcome{Error: err.Error()}
	}
}

// result converts a published outcome back into the holder's return values.
// A sensor timeout stays recognizable as bandsession.ErrSensorTimeout.
func (o outcome) result() (bandsession.Reference, error) {
	switch {
	case o.Ref != nil:
		return *o.Ref, nil
	case o.Timeout:
		return bandsession.Reference{}, bandsession.ErrSensorTimeout
	default:
		return bandsession.Reference{}, fmt.Errorf("%w: %s", ErrCalibrationFailed, o.Error)
	}
}

const releaseLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const extendLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// RedisCache is a Cache kept in Redis, so several bridge processes serving
// the same device names share references. A SetNX lock per name keeps a
// single calibration in flight; other callers poll for its result.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache creates a Redis-backed reference cache. Keys are stored
// under prefix; an empty prefix uses DefaultKeyPrefix.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	refs := NewRedisCache(client, "")
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(name string) string {
	return c.prefix + name
}

func (c *RedisCache) lockKey(name string) string {
	return c.prefix + "lock:" + name
}

// outcomeKey names the result of the calibration run holding lock value id.
func (c *RedisCache) outcomeKey(id string) string {
	return c.prefix + "outcome:" + id
}

// isReferenceKey reports whether key holds a reference rather than a lock
// or a published outcome.
func (c *RedisCache) isReferenceKey(key string) bool {
	return strings.HasPrefix(key, c.prefix) &&
		!strings.HasPrefix(key, c.prefix+"lock:") &&
		!strings.HasPrefix(key, c.prefix+"outcome:")
}

// GetOrCalibrate implements Cache.
//
// On a miss the caller tries to take the lock of name. The lock holder
// calibrates, stores the reference for ttl, publishes the outcome of the run
// for the waiting callers and releases the lock; the lock is extended while
// the calibration runs. Callers that lose the race poll with exponential
// backoff until the outcome appears, so they share the holder's reference
// or its sensor timeout even when ttl is zero.
func (c *RedisCache) GetOrCalibrate(
	ctx context.Context,
	name string,
	ttl time.Duration,
	calibrate CalibrateFunc,
) (bandsession.Reference, error) {
	ref, found, err := c.get(ctx, name)
	if err != nil {
		return bandsession.Reference{}, err
	}
	if found {
		return ref, nil
	}

	lockKey := c.lockKey(name)
	lockValue := uuid.NewString()

	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, lockTTL).Result()
	if err != nil {
		return bandsession.Reference{}, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		// an empty holder means the lock was released between SetNX and Get
		holder, err := c.client.Get(ctx, lockKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return bandsession.Reference{}, fmt.Errorf("failed to read lock: %w", err)
		}
		return c.waitForReference(ctx, name, lockKey, holder, waitTimeout)
	}

	bgCtx := context.Background()
	defer c.client.Eval(bgCtx, releaseLockScript, []string{lockKey}, lockValue)

	extendCtx, cancel := context.WithCancel(bgCtx)
	defer cancel()
	go c.extendLock(extendCtx, lockKey, lockValue, lockTTL)

	ref, err = calibrate(ctx)
	c.publish(bgCtx, lockValue, newOutcome(ref, err))
	if err != nil {
		return bandsession.Reference{}, err
	}

	if ttl <= 0 {
		return ref, nil
	}

	data, err := json.Marshal(ref)
	if err != nil {
		return bandsession.Reference{}, fmt.Errorf("failed to marshal reference: %w", err)
	}
	if err := c.client.Set(bgCtx, c.key(name), data, ttl).Err(); err != nil {
		return bandsession.Reference{}, fmt.Errorf("failed to cache reference: %w", err)
	}

	return ref, nil
}

func (c *RedisCache) get(ctx context.Context, name string) (bandsession.Reference, bool, error) {
	val, err := c.client.Get(ctx, c.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return bandsession.Reference{}, false, nil
	}
	if err != nil {
		return bandsession.Reference{}, false, fmt.Errorf("redis get error: %w", err)
	}

	var ref bandsession.Reference
	if err := json.Unmarshal(val, &ref); err != nil {
		return bandsession.Reference{}, false, fmt.Errorf("failed to unmarshal cached reference: %w", err)
	}
	return ref, true, nil
}

// publish stores o for the callers waiting on the run holding lock value id.
// A failed publish only costs the waiters their wait.
func (c *RedisCache) publish(ctx context.Context, id string, o outcome) {
	data, err := json.Marshal(o)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.outcomeKey(id), data, outcomeTTL).Err()
}

func (c *RedisCache) outcomeOf(ctx context.Context, id string) (outcome, bool, error) {
	if id == "" {
		return outcome{}, false, nil
	}

	val, err := c.client.Get(ctx, c.outcomeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return outcome{}, false, nil
	}
	if err != nil {
		return outcome{}, false, fmt.Errorf("redis get error: %w", err)
	}

	var o outcome
	if err := json.Unmarshal(val, &o); err != nil {
		return outcome{}, false, fmt.Errorf("failed to unmarshal calibration outcome: %w", err)
	}
	return o, true, nil
}

func (c *RedisCache) extendLock(ctx context.Context, lockKey, lockValue string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.client.Eval(ctx, extendLockScript, []string{lockKey}, lockValue, ttl.Milliseconds())
		}
	}
}

// waitForReference polls for the outcome of the run holding lock value
// holder, or a stored reference of name, backing off from 10ms up to 500ms.
// When the lock disappears with neither, the wait ends with
// ErrCalibrationFailed.
func (c *RedisCache) waitForReference(
	ctx context.Context,
	name string,
	lockKey string,
	holder string,
	timeout time.Duration,
) (bandsession.Reference, error) {
	backoff := 10 * time.Millisecond
	maxBackoff := 500 * time.Millisecond
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return bandsession.Reference{}, err
		}
		if time.Now().After(deadline) {
			return bandsession.Reference{}, ErrWaitTimeout
		}

		o, published, err := c.outcomeOf(ctx, holder)
		if err != nil {
			return bandsession.Reference{}, err
		}
		if published {
			return o.result()
		}

		ref, found, err := c.get(ctx, name)
		if err != nil {
			return bandsession.Reference{}, err
		}
		if found {
			return ref, nil
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return bandsession.Reference{}, fmt.Errorf("failed to check lock existence: %w", err)
		}
		if exists == 0 {
			if o, published, err := c.outcomeOf(ctx, holder); err == nil && published {
				return o.result()
			}
			ref, found, err := c.get(ctx, name)
			if err != nil {
				return bandsession.Reference{}, err
			}
			if found {
				return ref, nil
			}
			return bandsession.Reference{}, fmt.Errorf("%w: no outcome published", ErrCalibrationFailed)
		}

		select {
		case <-ctx.Done():
			return bandsession.Reference{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Forget implements Cache.
func (c *RedisCache) Forget(ctx context.Context, name string) error {
	if err := c.client.Del(ctx, c.key(name)).Err(); err != nil {
		return fmt.Errorf("failed to delete reference: %w", err)
	}
	return nil
}

// Clear implements Cache. Only keys under the cache prefix are removed.
func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete references: %w", err)
	}
	return nil
}

// Count implements Cache.
func (c *RedisCache) Count(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// scan lists reference keys, leaving out locks and published outcomes.
func (c *RedisCache) scan(ctx context.Context) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if key := iter.Val(); c.isReferenceKey(key) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}
