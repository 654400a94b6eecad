package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the remote backend on go-redis v9. Keys live under a
// configurable prefix so the core shares a Redis with other subsystems
// without collisions.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an existing client. An empty prefix defaults to
// "frontclaw:mem:".
func NewRedisStore(rdb *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "frontclaw:mem:"
	}
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix}
}

// DialRedis connects and pings; callers decide whether a failure falls back
// to the in-process store.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return rdb, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, s.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.keyPrefix+key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.keyPrefix+key).Err()
}

// List walks the keyspace with SCAN in batches of ListBatchSize, stripping
// the store prefix from returned keys.
func (s *RedisStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	match := s.keyPrefix + prefix + "*"
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, ListBatchSize).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.keyPrefix))
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return TTLMissing, err
	}
	return ttlFromRedis(d), nil
}

// ttlFromRedis maps go-redis TTL replies to the Store sentinels. go-redis
// passes the -1 (no expiry) and -2 (missing) replies through as raw
// durations, not scaled by seconds.
func ttlFromRedis(d time.Duration) time.Duration {
	switch d {
	case time.Duration(-1):
		return TTLNone
	case time.Duration(-2):
		return TTLMissing
	}
	return d
}
