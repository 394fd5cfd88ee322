// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-redis/redis/v8"

	"github.com/antimetal/assetstate/pkg/record"
)

// DefaultKeyPrefix namespaces record keys in a shared Redis.
const DefaultKeyPrefix = "assetstate:record:"

// Compile-time interface check
var _ Cache = (*RedisCache)(nil)

// RedisCache caches records in Redis as JSON payloads for sub-millisecond
// reads by query consumers.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger logr.Logger
}

// NewRedisCache connects to the Redis at url (redis://host:port/db) and
// verifies the connection with a ping.
func NewRedisCache(ctx context.Context, url, prefix string, logger logr.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url %q: %w", url, err)
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithName("redis-cache").Info("connected to redis", "url", url)
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: logger.WithName("redis-cache"),
	}, nil
}

func (c *RedisCache) key(assetID string) string { return c.prefix + assetID }

// Get returns the cached record, or (nil, nil) on miss.
func (c *RedisCache) Get(ctx context.Context, assetID string) (record.Record, error) {
	payload, err := c.client.Get(ctx, c.key(assetID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get %s: %w", assetID, err)
	}

	var rec record.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("cache payload for %s is corrupt: %w", assetID, err)
	}
	return rec, nil
}

func (c *RedisCache) Set(ctx context.Context, assetID string, rec record.Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", assetID, err)
	}
	if err := c.client.Set(ctx, c.key(assetID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", assetID, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, assetID string) error {
	if err := c.client.Del(ctx, c.key(assetID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", assetID, err)
	}
	return nil
}

// Close releases the client's connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
