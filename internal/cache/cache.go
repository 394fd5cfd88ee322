// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cache fronts the record store with a low-latency key-value cache.
// The cache is strictly optional: a nil or unreachable cache degrades to
// plain store reads.
package cache

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/assetstate/pkg/record"
)

// DefaultTTL bounds how stale a cached record may get before readers fall
// through to the store again.
const DefaultTTL = 300 * time.Second

// Cache is the key-value interface in front of record reads.
type Cache interface {
	Get(ctx context.Context, assetID string) (record.Record, error)
	Set(ctx context.Context, assetID string, rec record.Record, ttl time.Duration) error
	Invalidate(ctx context.Context, assetID string) error
}

// CachedStore serves record reads through a cache with fall-through to the
// store on miss or cache error. Writes are not routed here; sensors keep
// writing through the store, and cached entries age out via TTL.
type CachedStore struct {
	store  *record.Store
	cache  Cache
	ttl    time.Duration
	logger logr.Logger
}

func NewCachedStore(store *record.Store, cache Cache, ttl time.Duration, logger logr.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedStore{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.WithName("cached-store"),
	}
}

// Read returns the record for assetID, from cache when possible. Cache
// failures are logged and treated as misses.
func (c *CachedStore) Read(ctx context.Context, assetID string) (record.Record, error) {
	if c.cache != nil {
		rec, err := c.cache.Get(ctx, assetID)
		if err != nil {
			c.logger.V(1).Info("cache get failed", "asset", assetID, "error", err.Error())
		} else if rec != nil {
			return rec, nil
		}
	}

	rec, err := c.store.Read(assetID)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, assetID, rec, c.ttl); err != nil {
			c.logger.V(1).Info("cache set failed", "asset", assetID, "error", err.Error())
		}
	}
	return rec, nil
}

// Invalidate drops the cached entry for assetID, if any.
func (c *CachedStore) Invalidate(ctx context.Context, assetID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, assetID); err != nil {
		c.logger.V(1).Info("cache invalidate failed", "asset", assetID, "error", err.Error())
	}
}
