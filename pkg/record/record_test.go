// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package record_test

import (
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/assetstate/pkg/record"
)

func TestTimestampFormat(t *testing.T) {
	ts := record.Timestamp(time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC))
	assert.Equal(t, "2026-03-14T09:26:53.589793Z", ts)

	// Non-UTC inputs are normalized to UTC with a literal Z suffix.
	loc := time.FixedZone("PST", -8*3600)
	ts = record.Timestamp(time.Date(2026, 3, 14, 1, 0, 0, 0, loc))
	assert.True(t, strings.HasSuffix(ts, "Z"))
	assert.True(t, strings.HasPrefix(ts, "2026-03-14T09:00:00"))
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	parsed, err := record.ParseTimestamp(record.Timestamp(now))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestParseTimestampLegacyOffset(t *testing.T) {
	parsed, err := record.ParseTimestamp("2025-01-02T03:04:05+01:00")
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.UTC().Hour())
}

func TestNewSkeletonIsValid(t *testing.T) {
	store := record.NewStore(t.TempDir(), testr.New(t))
	rec := record.NewSkeleton("node-7", "machine", "")

	require.NoError(t, store.Validate(rec))
	assert.Equal(t, "node-7", rec.AssetID())
	assert.Equal(t, "node-7", rec.Asset()["name"], "name defaults to the asset id")

	for _, section := range record.SensorSections {
		sec := rec.Section(section)
		require.NotNil(t, sec)
		assert.Equal(t, "initializing", sec["sensor_status"])
	}
}

func TestMergeSection(t *testing.T) {
	rec := record.NewSkeleton("m1", "vm", "")

	rec.MergeSection("compute", map[string]any{
		"sensor_status": "healthy",
		"real_time":     map[string]any{"cpu_percent": 12.0},
	})
	compute := rec.Section("compute")
	assert.Equal(t, "healthy", compute["sensor_status"])
	assert.Contains(t, compute, "last_updated", "merge preserves untouched keys")

	// Merging into a missing section creates it.
	rec.MergeSection("custom", map[string]any{"k": "v"})
	assert.Equal(t, "v", rec.Section("custom")["k"])
}

func TestLastUpdatedMissingMetadata(t *testing.T) {
	_, err := record.Record{}.LastUpdated()
	assert.Error(t, err)
}
