package cdn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/any-hub/any-depot/internal/model"
)

const redirectKeyPrefix = "any-depot:cdn:"

// RedisRedirects 把重定向表放在 Redis hash 中，多个实例可以共享。
type RedisRedirects struct {
	client redis.UniversalClient
}

// NewRedisRedirects 连接 url 指向的 Redis 并验证可用性。
func NewRedisRedirects(url string) (*RedisRedirects, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     []string{opts.Addr},
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisRedirects{client: client}, nil
}

func redirectKey(key model.StoreKey, parent string) string {
	return redirectKeyPrefix + key.String() + ":" + parent
}

func (r *RedisRedirects) Lookup(ctx context.Context, key model.StoreKey, parent, filename string) (string, bool, error) {
	href, err := r.client.HGet(ctx, redirectKey(key, parent), filename).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return href, true, nil
}

func (r *RedisRedirects) Record(ctx context.Context, key model.StoreKey, parent string, entries map[string]string) error {
	k := redirectKey(key, parent)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, k)
	if len(entries) > 0 {
		values := make(map[string]any, len(entries))
		for name, href := range entries {
			values[name] = href
		}
		pipe.HSet(ctx, k, values)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRedirects) Clear(ctx context.Context, key model.StoreKey, parent string) error {
	return r.client.Del(ctx, redirectKey(key, parent)).Err()
}

func (r *RedisRedirects) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
