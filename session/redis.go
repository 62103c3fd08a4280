package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // key prefix, defaults to "sess:"
}

// RedisStore keeps each session as a Redis hash under Prefix+id.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, ttl time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis session store")

	return NewRedisStoreFromClient(client, cfg.Prefix, ttl, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "sess:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("redis session exists failed")
		return false, fmt.Errorf("session: redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Get(ctx context.Context, id, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key(id), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("redis session get failed")
		return "", false, fmt.Errorf("session: redis get: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, id, key, value string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(id), key, value)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key(id), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

// setIfAbsent runs server side so that the read, the write and the expiry
// happen as one step. An empty field counts as absent.
var setIfAbsent = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur or cur == '' then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  cur = ARGV[2]
end
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return cur
`)

func (s *RedisStore) SetIfAbsent(ctx context.Context, id, key, value string) (string, error) {
	got, err := setIfAbsent.Run(ctx, s.client, []string{s.key(id)}, key, value, s.ttl.Milliseconds()).Text()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("redis session set-if-absent failed")
		return "", fmt.Errorf("session: redis set-if-absent: %w", err)
	}
	return got, nil
}

func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("session: redis destroy: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
