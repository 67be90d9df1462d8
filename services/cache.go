package services

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// StatsCache stores JSON projections in hashes so that every page cached for
// one key can be dropped with a single delete. Each key carries a version that
// Invalidate bumps; Set only writes while the version read by Get is current,
// so a page computed before an invalidation is never stored after it.
type StatsCache interface {
	Get(ctx context.Context, key, field string, dst any) (hit bool, version int64, err error)
	Set(ctx context.Context, key, field string, version int64, value any) error
	Invalidate(ctx context.Context, keys ...string) error
}

type RedisStatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects and pings; addr is host:port.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "failed to connect to redis at %s", addr)
	}
	return client, nil
}

func NewRedisStatsCache(client *redis.Client, ttl time.Duration) *RedisStatsCache {
	return &RedisStatsCache{client: client, ttl: ttl}
}

func versionKey(key string) string {
	return key + ":v"
}

// versionTTL outlives any page cached under the previous version.
func (c *RedisStatsCache) versionTTL() time.Duration {
	return max(2*c.ttl, time.Minute)
}

func (c *RedisStatsCache) Get(ctx context.Context, key, field string, dst any) (bool, int64, error) {
	pipe := c.client.Pipeline()
	page := pipe.HGet(ctx, key, field)
	ver := pipe.Get(ctx, versionKey(key))
	// Exec reports redis.Nil for a missing page or version; each command
	// is checked below instead.
	_, _ = pipe.Exec(ctx)

	version, err := ver.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, eris.Wrapf(err, "failed to read cache version %s", key)
	}
	raw, err := page.Bytes()
	if errors.Is(err, redis.Nil) {
		return false, version, nil
	}
	if err != nil {
		return false, version, eris.Wrapf(err, "failed to read cache %s", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, version, eris.Wrapf(err, "failed to decode cache %s", key)
	}
	return true, version, nil
}

var errStaleVersion = eris.New("cache version moved")

// Set stores value under key/field unless the key was invalidated since the
// matching Get returned version. A skipped write is not an error.
func (c *RedisStatsCache) Set(ctx context.Context, key, field string, version int64, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return eris.Wrapf(err, "failed to encode cache %s", key)
	}

	verKey := versionKey(key)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, verKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return errStaleVersion
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, raw)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, verKey)
	if errors.Is(err, errStaleVersion) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "failed to write cache %s", key)
	}
	return nil
}

func (c *RedisStatsCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, versionKey(key))
			pipe.Expire(ctx, versionKey(key), c.versionTTL())
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return eris.Wrap(err, "failed to invalidate cache")
	}
	return nil
}

// noCache is used when REDIS_URL is empty.
type noCache struct{}

func (noCache) Get(context.Context, string, string, any) (bool, int64, error) { return false, 0, nil }
func (noCache) Set(context.Context, string, string, int64, any) error         { return nil }
func (noCache) Invalidate(context.Context, ...string) error                   { return nil }
