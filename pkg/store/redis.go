package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Config holds Redis configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is the shared key/value state store backed by Redis.
type Store struct {
	client *redis.Client
	logger *logrus.Entry
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return &Store{
		client: client,
		logger: logrus.WithField("component", "store"),
	}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the value at key. Missing keys return ("", nil).
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value with an optional TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetHash returns all fields of a hash key.
func (s *Store) GetHash(ctx context.Context, key string) (map[string]string, error) {
	val, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hash %s: %w", key, err)
	}
	return val, nil
}

// SetHash stores hash fields with an optional TTL on the key.
func (s *Store) SetHash(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to set hash %s: %w", key, err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("failed to expire %s: %w", key, err)
		}
	}
	return nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// ListPush pushes a value onto the head of a list and trims it to maxLen
// entries (0 = unbounded).
func (s *Store) ListPush(ctx context.Context, key, value string, maxLen int64) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	if maxLen > 0 {
		if err := s.client.LTrim(ctx, key, 0, maxLen-1).Err(); err != nil {
			return fmt.Errorf("failed to trim %s: %w", key, err)
		}
	}
	return nil
}

// GetList returns up to count entries from the head of a list.
func (s *Store) GetList(ctx context.Context, key string, count int64) ([]string, error) {
	if count <= 0 {
		count = -1
	}
	vals, err := s.client.LRange(ctx, key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}
	return vals, nil
}

// KeysByPattern returns all keys matching a glob pattern. Uses SCAN to
// avoid blocking the server.
func (s *Store) KeysByPattern(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return keys, nil
}

// MemoryStats holds server memory usage.
type MemoryStats struct {
	UsedBytes int64
	PeakBytes int64
}

// GetMemoryStats parses INFO memory from the server.
func (s *Store) GetMemoryStats(ctx context.Context) (*MemoryStats, error) {
	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory info: %w", err)
	}

	stats := &MemoryStats{}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "used_memory:"):
			stats.UsedBytes, _ = strconv.ParseInt(strings.TrimPrefix(line, "used_memory:"), 10, 64)
		case strings.HasPrefix(line, "used_memory_peak:"):
			stats.PeakBytes, _ = strconv.ParseInt(strings.TrimPrefix(line, "used_memory_peak:"), 10, 64)
		}
	}
	return stats, nil
}
