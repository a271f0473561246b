package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type goRedisWrapper struct {
	client *redis.Client
}

func NewGoRedisClient(url string) RedisClient {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	return &goRedisWrapper{client: redis.NewClient(opts)}
}

func (w *goRedisWrapper) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	result, err := w.client.SetArgs(ctx, key, "1", redis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return result == "OK", nil
}

func (w *goRedisWrapper) Exists(ctx context.Context, key string) (bool, error) {
	n, err := w.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (w *goRedisWrapper) DeletePrefix(ctx context.Context, prefix string) error {
	iter := w.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := w.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return w.client.Del(ctx, batch...).Err()
	}
	return nil
}
