package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const redisDialTimeout = 3 * time.Second

// ConnectRedis dials the Redis instance holding realtime replay slots and the
// cross-node relay channel. The client is closed again when the first PING fails.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("redis url must not be empty")
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = redisDialTimeout
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", options.Addr, err)
	}

	return client, nil
}

// RedisProbe reports whether client still answers PING.
func RedisProbe(client *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// RedisStorage adapts a go-redis client to fiber.Storage so limiter counters
// are shared by every API node. Keys are namespaced under prefix.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

var _ fiber.Storage = (*RedisStorage)(nil)

// NewRedisStorage wraps client. The caller keeps ownership of the client.
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (s *RedisStorage) key(key string) string {
	return s.prefix + ":" + key
}

// Get returns nil without error for missing keys.
func (s *RedisStorage) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	value, err := s.client.Get(context.Background(), s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return value, err
}

func (s *RedisStorage) Set(key string, value []byte, exp time.Duration) error {
	if key == "" || len(value) == 0 {
		return nil
	}
	return s.client.Set(context.Background(), s.key(key), value, exp).Err()
}

func (s *RedisStorage) Delete(key string) error {
	if key == "" {
		return nil
	}
	return s.client.Del(context.Background(), s.key(key)).Err()
}

// Reset removes every key under the prefix.
func (s *RedisStorage) Reset() error {
	ctx := context.Background()
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Close is a no-op; the client is shared with the realtime relay.
func (s *RedisStorage) Close() error {
	return nil
}
