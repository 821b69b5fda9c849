// Package cache is the ephemeral key-value store: single-use tokens,
// revocation entries and rate-limit counters, all expiring by TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kulangara/backend/internal/backoff"
	"github.com/kulangara/backend/internal/config"
	"github.com/kulangara/backend/internal/logging"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("cache: key not found")

type Store struct {
	redis redis.UniversalClient
}

func New(client redis.UniversalClient) *Store {
	return &Store{redis: client}
}

// NewClient builds a client from REDIS_URL, or from the host/port fields
// when no URL is set.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// Connect pings the server until it answers or the policy gives up. The
// returned store is usable either way; commands fail until Redis is up.
func Connect(ctx context.Context, log logging.Logger, cfg config.RedisConfig, p backoff.Policy) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	store := New(client)
	err = backoff.Connect(ctx, log, "redis", p, store.Ping)
	return store, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.redis.Close()
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.redis.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Take reads and deletes key in one step. Of concurrent callers only one
// gets the value.
func (s *Store) Take(ctx context.Context, key string) (string, error) {
	val, err := s.redis.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.redis.Del(ctx, keys...).Err()
}

// Incr bumps a fixed-window counter. The TTL is set on the first hit only,
// and the remaining window is returned with the new count.
func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		return count, window, nil
	}
	ttl, err := s.redis.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if ttl < 0 {
		// Counter lost its expiry (e.g. EXPIRE failed earlier); restart the window.
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		ttl = window
	}
	return count, ttl, nil
}
