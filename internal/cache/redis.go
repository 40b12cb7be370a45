package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend stores match results in Redis so multiple mend processes
// sharing one skill store also share one match cache.
type redisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to Redis at the given URL
// (e.g. redis://localhost:6379/0).
func NewRedisBackend(url string) (Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Printf("[Cache] Connected to Redis at %s", opts.Addr)
	return &redisBackend{client: client, prefix: "mend:"}, nil
}

func (r *redisBackend) Get(ctx context.Context, key string) (Result, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func (r *redisBackend) Set(ctx context.Context, key string, res Result, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+key, data, ttl).Err()
}

func (r *redisBackend) Clear(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, r.prefix+"match:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			log.Printf("[Cache] Redis clear failed: %v", err)
		}
	}
}
