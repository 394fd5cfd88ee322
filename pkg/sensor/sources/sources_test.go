// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources_test

import (
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/assetstate/pkg/change"
	"github.com/antimetal/assetstate/pkg/sensor"
	"github.com/antimetal/assetstate/pkg/sensor/sources"
)

func sourceConfig() sensor.SourceConfig {
	return sensor.SourceConfig{
		AssetID:    "test",
		Thresholds: change.DefaultThresholds(),
	}
}

func TestAllSectionsRegistered(t *testing.T) {
	sections := sensor.RegisteredSections()
	assert.Equal(t, []string{"compute", "memory", "network", "services", "storage"}, sections)

	for _, section := range sections {
		factory, err := sensor.GetSource(section)
		require.NoError(t, err)
		src, err := factory(testr.New(t), sourceConfig())
		require.NoError(t, err)
		assert.Equal(t, section, src.Name())
	}
}

func TestComputeProcess(t *testing.T) {
	src := sources.NewComputeSource(testr.New(t), sourceConfig())

	patch := src.Process(map[string]any{
		"cpu_percent":   42.4567,
		"load_1m":       1.5,
		"load_5m":       1.2,
		"load_15m":      0.9,
		"process_count": 321,
	})

	assert.Equal(t, "change_driven", patch["update_strategy"])
	realTime, ok := patch["real_time"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.46, realTime["cpu_percent"], "values are rounded to 2 places")
	assert.Equal(t, 321, realTime["process_count"])

	thresholds, ok := patch["thresholds"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 70.0, thresholds["cpu_warning"])
	assert.Equal(t, 85.0, thresholds["cpu_critical"])
	assert.Equal(t, 5.0, thresholds["update_threshold"])
}

func TestMemoryProcessLeakDetection(t *testing.T) {
	src := sources.NewMemorySource(testr.New(t), sourceConfig())

	raw := map[string]any{
		"memory_percent": 61.237,
		"total_mb":       16384.0,
		"available_mb":   6348.5,
		"used_mb":        10035.5,
		"swap_percent":   0.0,
		"swap_total_mb":  2048.0,
		"swap_used_mb":   0.0,
		"growth_mb":      12.0,
	}
	patch := src.Process(raw)

	realTime := patch["real_time"].(map[string]any)
	assert.Equal(t, 61.24, realTime["memory_percent"])

	analysis := patch["analysis"].(map[string]any)
	assert.Equal(t, "stable", analysis["leak_detection"])

	raw["growth_mb"] = 250.0
	patch = src.Process(raw)
	analysis = patch["analysis"].(map[string]any)
	assert.Equal(t, "suspected", analysis["leak_detection"],
		"over 100MB growth across the window flags a leak")
}

func TestServicesProcess(t *testing.T) {
	src := sources.NewServicesSource(testr.New(t), sourceConfig())

	patch := src.Process(map[string]any{
		"health_status":   "healthy",
		"listening_count": 4,
		"uptime_seconds":  3600.456,
		"agent_uptime":    12.345,
	})

	realTime := patch["real_time"].(map[string]any)
	assert.Equal(t, "healthy", realTime["health_status"])
	assert.Equal(t, 4, realTime["listening_count"])

	app := patch["application"].(map[string]any)
	assert.Equal(t, 3600.46, app["uptime_seconds"])
	assert.Equal(t, 12.35, app["agent_uptime_seconds"])
}
