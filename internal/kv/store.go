// Package kv is the Redis-backed coordination layer: experiment progress
// and cancellation flags, firewall decision caches, and the sliding-window
// rate limiter. All commands run behind a circuit breaker.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/circuitbreaker"
)

// Store wraps a Redis client with a circuit breaker.
type Store struct {
	client *redis.Client
	cb     *circuitbreaker.Breaker
	logger *zap.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(addr, password string, db int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	cb := circuitbreaker.Instrument(circuitbreaker.New("redis", circuitbreaker.RedisConfig(), logger))
	return &Store{client: client, cb: cb, logger: logger}, nil
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.New("redis", circuitbreaker.RedisConfig(), logger)
	return &Store{client: client, cb: cb, logger: logger}
}

// Get fetches a key. found is false on a miss.
func (s *Store) Get(ctx context.Context, key string) (value string, found bool, err error) {
	execErr := s.cb.Execute(ctx, func() error {
		v, getErr := s.client.Get(ctx, key).Result()
		if getErr == redis.Nil {
			found = false
			return nil
		}
		if getErr != nil {
			return getErr
		}
		value, found = v, true
		return nil
	})
	if execErr != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, execErr)
	}
	return value, found, nil
}

// Set writes a key with a TTL. A zero ttl stores without expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.cb.Execute(ctx, func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Del removes keys; missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	err := s.cb.Execute(ctx, func() error {
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.cb.Execute(ctx, func() error {
		var existsErr error
		n, existsErr = s.client.Exists(ctx, key).Result()
		return existsErr
	})
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Ping checks liveness for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.cb.Execute(ctx, func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Client exposes the raw client for commands the wrapper does not cover.
func (s *Store) Client() *redis.Client { return s.client }
