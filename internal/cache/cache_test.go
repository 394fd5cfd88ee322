// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/assetstate/internal/cache"
	"github.com/antimetal/assetstate/pkg/record"
)

// memCache is an in-process Cache used to exercise CachedStore without a
// Redis instance.
type memCache struct {
	entries map[string]record.Record
	gets    int
	sets    int
	fail    bool
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]record.Record)}
}

func (c *memCache) Get(_ context.Context, assetID string) (record.Record, error) {
	if c.fail {
		return nil, errors.New("cache down")
	}
	c.gets++
	return c.entries[assetID], nil
}

func (c *memCache) Set(_ context.Context, assetID string, rec record.Record, _ time.Duration) error {
	if c.fail {
		return errors.New("cache down")
	}
	c.sets++
	c.entries[assetID] = rec
	return nil
}

func (c *memCache) Invalidate(_ context.Context, assetID string) error {
	if c.fail {
		return errors.New("cache down")
	}
	delete(c.entries, assetID)
	return nil
}

func newCachedFixture(t *testing.T, mc cache.Cache) (*cache.CachedStore, *record.Store) {
	t.Helper()
	store := record.NewStore(t.TempDir(), testr.New(t))
	_, err := store.CreateEmpty("web-01", "vm", "")
	require.NoError(t, err)
	return cache.NewCachedStore(store, mc, time.Minute, testr.New(t)), store
}

func TestCachedStoreReadThrough(t *testing.T) {
	mc := newMemCache()
	cached, _ := newCachedFixture(t, mc)
	ctx := context.Background()

	// Miss populates the cache.
	rec, err := cached.Read(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, "web-01", rec.AssetID())
	assert.Equal(t, 1, mc.sets)

	// Hit skips the store and the second Set.
	rec, err = cached.Read(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, "web-01", rec.AssetID())
	assert.Equal(t, 1, mc.sets)
	assert.Equal(t, 2, mc.gets)
}

func TestCachedStoreNilCache(t *testing.T) {
	cached, _ := newCachedFixture(t, nil)

	rec, err := cached.Read(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, "web-01", rec.AssetID())

	cached.Invalidate(context.Background(), "web-01") // no-op, no panic
}

func TestCachedStoreFallsThroughOnCacheFailure(t *testing.T) {
	mc := newMemCache()
	mc.fail = true
	cached, _ := newCachedFixture(t, mc)

	rec, err := cached.Read(context.Background(), "web-01")
	require.NoError(t, err, "a dead cache must not break reads")
	assert.Equal(t, "web-01", rec.AssetID())
}

func TestCachedStoreMissingRecord(t *testing.T) {
	cached, _ := newCachedFixture(t, newMemCache())

	_, err := cached.Read(context.Background(), "ghost")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestCachedStoreInvalidate(t *testing.T) {
	mc := newMemCache()
	cached, store := newCachedFixture(t, mc)
	ctx := context.Background()

	_, err := cached.Read(ctx, "web-01")
	require.NoError(t, err)
	require.Contains(t, mc.entries, "web-01")

	cached.Invalidate(ctx, "web-01")
	assert.NotContains(t, mc.entries, "web-01")

	// After invalidation the next read sees fresh store state.
	rec, err := store.Read("web-01")
	require.NoError(t, err)
	rec.MergeSection("compute", map[string]any{"marker": true})
	require.NoError(t, store.Write("web-01", rec, false))

	got, err := cached.Read(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, true, got.Section("compute")["marker"])
}
