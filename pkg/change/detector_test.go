// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package change

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldUpdateFirstObservation(t *testing.T) {
	d := NewDetector(Options{})
	assert.True(t, d.ShouldUpdate("cpu_percent", 10.0, false),
		"first observation is always significant")
}

func TestShouldUpdateForce(t *testing.T) {
	d := NewDetector(Options{})
	d.Record("cpu_percent", 10.0)
	assert.True(t, d.ShouldUpdate("cpu_percent", 10.0, true))
}

func TestShouldUpdateCategories(t *testing.T) {
	tests := []struct {
		name     string
		metric   string
		previous any
		current  any
		want     bool
	}{
		{"cpu below threshold", "cpu_percent", 50.0, 54.9, false},
		{"cpu at threshold", "cpu_percent", 50.0, 55.0, true},
		{"cpu drop counts too", "cpu_percent", 50.0, 45.0, true},
		{"memory below threshold", "memory_percent", 60.0, 64.0, false},
		{"memory at threshold", "memory_percent", 60.0, 65.0, true},
		{"disk below threshold", "disk_percent", 80.0, 80.5, false},
		{"disk at threshold", "disk_percent", 80.0, 81.0, true},
		{"storage alias", "storage_percent", 80.0, 81.0, true},
		{"connections below", "total_connections", 100.0, 109.0, false},
		{"connections at", "total_connections", 100.0, 110.0, true},
		{"latency below ratio", "response_time_ms", 100.0, 150.0, false},
		{"latency at ratio", "response_time_ms", 100.0, 200.0, true},
		{"latency from zero", "latency_ms", 0.0, 1.0, true},
		{"status change", "health_status", "healthy", "degraded", true},
		{"status unchanged", "health_status", "healthy", "healthy", false},
		{"state change", "service_state", "running", "stopped", true},
		{"string change", "kernel_version", "6.1", "6.2", true},
		{"default numeric below 10pct", "process_count", 200.0, 215.0, false},
		{"default numeric at 10pct", "process_count", 200.0, 220.0, true},
		{"default from zero", "queue_depth", 0.0, 1.0, true},
		{"default zero to zero", "queue_depth", 0.0, 0.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(Options{})
			d.Record(tt.metric, tt.previous)
			assert.Equal(t, tt.want, d.ShouldUpdate(tt.metric, tt.current, false))
		})
	}
}

func TestShouldUpdateAccumulatesAgainstRecordedValue(t *testing.T) {
	d := NewDetector(Options{})
	d.Record("cpu_percent", 50.0)

	// Small steps below the threshold do not update, but the delta keeps
	// accumulating against the last *recorded* value.
	assert.False(t, d.ShouldUpdate("cpu_percent", 52.0, false))
	assert.False(t, d.ShouldUpdate("cpu_percent", 54.0, false))
	assert.True(t, d.ShouldUpdate("cpu_percent", 55.0, false))
}

func TestShouldUpdateStalenessFallback(t *testing.T) {
	d := NewDetector(Options{StaleAfter: 300 * time.Second})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	d.now = func() time.Time { return now }

	d.Record("cpu_percent", 50.0)
	assert.False(t, d.ShouldUpdate("cpu_percent", 50.1, false))

	now = base.Add(299 * time.Second)
	assert.False(t, d.ShouldUpdate("cpu_percent", 50.1, false))

	now = base.Add(300 * time.Second)
	assert.True(t, d.ShouldUpdate("cpu_percent", 50.1, false),
		"a flat metric still persists after the staleness window")
}

func TestDetectSpike(t *testing.T) {
	d := NewDetector(Options{})
	for _, v := range []float64{10, 10, 10, 10} {
		d.Record("cpu_percent", v)
	}
	assert.False(t, d.DetectSpike("cpu_percent", 19))
	assert.True(t, d.DetectSpike("cpu_percent", 20))
	assert.False(t, d.DetectSpike("unseen", 100))
}

func TestTrend(t *testing.T) {
	d := NewDetector(Options{})

	for _, v := range []float64{1, 2, 3, 4, 5, 6} {
		d.Record("rising", v)
	}
	assert.Equal(t, TrendIncreasing, d.Trend("rising"))

	for _, v := range []float64{6, 5, 4, 3, 2, 1} {
		d.Record("falling", v)
	}
	assert.Equal(t, TrendDecreasing, d.Trend("falling"))

	for _, v := range []float64{5, 5, 5, 5, 5, 5} {
		d.Record("flat", v)
	}
	assert.Equal(t, TrendDecreasing, d.Trend("flat"),
		"no rising deltas classifies as decreasing")

	for _, v := range []float64{5, 6, 5, 6, 5, 6} {
		d.Record("choppy", v)
	}
	assert.Equal(t, TrendStable, d.Trend("choppy"))

	d.Record("sparse", 1)
	assert.Equal(t, TrendStable, d.Trend("sparse"), "too few samples for a trend")
}

func TestVolatility(t *testing.T) {
	d := NewDetector(Options{})
	for _, v := range []float64{10, 10, 10} {
		d.Record("steady", v)
	}
	assert.InDelta(t, 0, d.Volatility("steady"), 1e-9)

	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		d.Record("classic", v)
	}
	assert.InDelta(t, 2.0, d.Volatility("classic"), 1e-9)
}

func TestAdjustThresholdForVolatility(t *testing.T) {
	d := NewDetector(Options{})

	// Volatility above 10 halves the base threshold.
	for _, v := range []float64{0, 30, 0, 30, 0, 30} {
		d.Record("cpu_percent", v)
	}
	assert.InDelta(t, 2.5, d.AdjustThresholdForVolatility("cpu_percent"), 1e-9)

	// Moderate volatility (above 5) scales to three quarters.
	for _, v := range []float64{0, 12, 0, 12, 0, 12} {
		d.Record("memory_percent", v)
	}
	assert.InDelta(t, 3.75, d.AdjustThresholdForVolatility("memory_percent"), 1e-9)

	// A calm metric keeps its base.
	for _, v := range []float64{50, 50, 50} {
		d.Record("disk_percent", v)
	}
	assert.InDelta(t, 1.0, d.AdjustThresholdForVolatility("disk_percent"), 1e-9)
}

func TestHistoryWindowBound(t *testing.T) {
	d := NewDetector(Options{HistorySize: 5})
	for i := 0; i < 100; i++ {
		d.Record("m", float64(i))
	}
	h := d.histories["m"]
	assert.Equal(t, 5, h.size)
}

func TestReset(t *testing.T) {
	d := NewDetector(Options{})
	d.Record("cpu_percent", 50.0)
	d.Reset()
	assert.True(t, d.ShouldUpdate("cpu_percent", 50.0, false),
		"after reset every metric is a first observation again")
}
