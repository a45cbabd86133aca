package state

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "hel:state:"

// RedisStore is the other remote backend option: each source_id maps to
// one Redis hash, enabling multi-instance sharding the same way the SQL
// backend does.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to addr (a redis:// URL or host:port) and pings it.
func OpenRedis(ctx context.Context, addr string) (*RedisStore, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(sourceID string) string {
	return redisKeyPrefix + sourceID
}

func (r *RedisStore) Get(ctx context.Context, sourceID string) (map[string]string, error) {
	out, err := r.client.HGetAll(ctx, redisKey(sourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", sourceID, err)
	}
	return out, nil
}

func (r *RedisStore) Set(ctx context.Context, sourceID string, delta map[string]string) error {
	if len(delta) == 0 {
		return nil
	}
	fields := make([]any, 0, len(delta)*2)
	for k, v := range delta {
		fields = append(fields, k, v)
	}
	if err := r.client.HSet(ctx, redisKey(sourceID), fields...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", sourceID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, sourceID string) error {
	if err := r.client.Del(ctx, redisKey(sourceID)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", sourceID, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return out, nil
}

func (r *RedisStore) Export(ctx context.Context) (map[string]map[string]string, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(ids))
	for _, id := range ids {
		kv, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = kv
	}
	return out, nil
}

func (r *RedisStore) Import(ctx context.Context, dump map[string]map[string]string) error {
	ids, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return err
		}
	}
	for id, kv := range dump {
		if err := r.Set(ctx, id, kv); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
