package assetcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "offsync:asset:"
	redisRegistryKey = "offsync:caches"
)

// RedisBackend stores each entry as a JSON value under
// offsync:asset:<cache>:<key>. The set offsync:caches records cache names
// and offsync:asset:<cache> (a set) records the keys of one cache.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// DialRedisBackend connects to addr and verifies the connection.
func DialRedisBackend(ctx context.Context, addr string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

func entryKey(cache, key string) string {
	return redisKeyPrefix + cache + ":" + key
}

func membersKey(cache string) string {
	return redisKeyPrefix + cache
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, cache, key string) (Entry, bool, error) {
	val, err := r.client.Get(ctx, entryKey(cache, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return e, true, nil
}

// Put implements Backend.
func (r *RedisBackend) Put(ctx context.Context, cache, key string, entry Entry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey(cache, key), val, 0)
		pipe.SAdd(ctx, membersKey(cache), key)
		pipe.SAdd(ctx, redisRegistryKey, cache)
		return nil
	})
	return err
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, cache, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKey(cache, key))
		pipe.SRem(ctx, membersKey(cache), key)
		return nil
	})
	return err
}

// Caches implements Backend.
func (r *RedisBackend) Caches(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, redisRegistryKey).Result()
}

// Drop implements Backend.
func (r *RedisBackend) Drop(ctx context.Context, cache string) error {
	keys, err := r.client.SMembers(ctx, membersKey(cache)).Result()
	if err != nil {
		return err
	}
	del := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		del = append(del, entryKey(cache, k))
	}
	del = append(del, membersKey(cache))

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, del...)
		pipe.SRem(ctx, redisRegistryKey, cache)
		return nil
	})
	return err
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
