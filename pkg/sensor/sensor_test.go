// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sensor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/assetstate/pkg/change"
	"github.com/antimetal/assetstate/pkg/record"
)

// fakeSource counts collections and can be flipped into a failing mode.
type fakeSource struct {
	collected atomic.Int64
	fail      atomic.Bool
	value     atomic.Value // float64 cpu_percent
}

func newFakeSource(v float64) *fakeSource {
	s := &fakeSource{}
	s.value.Store(v)
	return s
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Collect(ctx context.Context) (map[string]any, error) {
	if s.fail.Load() {
		return nil, errors.New("probe unavailable")
	}
	s.collected.Add(1)
	return map[string]any{"cpu_percent": s.value.Load().(float64)}, nil
}

func (s *fakeSource) Process(raw map[string]any) map[string]any {
	return map[string]any{
		"real_time": map[string]any{"cpu_percent": raw["cpu_percent"]},
	}
}

func newTestSensor(t *testing.T, src Source) (*Sensor, *record.Store) {
	t.Helper()
	store := record.NewStore(t.TempDir(), testr.New(t))
	_, err := store.CreateEmpty("test-asset", "machine", "")
	require.NoError(t, err)

	writer := record.NewWriter(store, "test-asset", testr.New(t))
	t.Cleanup(writer.Close)

	s := New(src, writer, change.NewDetector(change.Options{}), Config{
		AssetID: "test-asset",
		Section: "compute",
	}, testr.New(t))
	return s, store
}

func TestSensorDefaults(t *testing.T) {
	s, _ := newTestSensor(t, newFakeSource(10))

	assert.Equal(t, StatusInitializing, s.Status())
	assert.Equal(t, DefaultInitialInterval, s.Interval())
	assert.Equal(t, DefaultMaxFailures, s.config.MaxFailures)
}

func TestSensorFailureEscalation(t *testing.T) {
	s, _ := newTestSensor(t, newFakeSource(10))
	s.setStatus(StatusHealthy)

	s.onFailure()
	s.onFailure()
	assert.Equal(t, StatusHealthy, s.Status(), "two failures do not degrade")

	s.onFailure()
	assert.Equal(t, StatusDegraded, s.Status(), "three consecutive failures degrade")

	s.onFailure()
	assert.Equal(t, StatusDegraded, s.Status())

	s.onFailure()
	assert.Equal(t, StatusUnhealthy, s.Status(), "five consecutive failures are unhealthy")
}

func TestSensorBackoffBounds(t *testing.T) {
	s, _ := newTestSensor(t, newFakeSource(10))

	first := s.Interval()
	s.onFailure()
	assert.Greater(t, s.Interval(), first, "failure stretches the interval")

	for i := 0; i < 20; i++ {
		s.onFailure()
	}
	assert.Equal(t, DefaultMaxInterval, s.Interval(), "backoff is capped")

	for i := 0; i < 200; i++ {
		s.onSuccess()
	}
	assert.Equal(t, DefaultMinInterval, s.Interval(), "speed-up is floored")
}

func TestSensorDegradedRecovers(t *testing.T) {
	s, _ := newTestSensor(t, newFakeSource(10))
	s.setStatus(StatusHealthy)

	for i := 0; i < 3; i++ {
		s.onFailure()
	}
	require.Equal(t, StatusDegraded, s.Status())

	s.onSuccess()
	assert.Equal(t, StatusHealthy, s.Status(), "a success recovers a degraded sensor")
	assert.Equal(t, 0, s.Stats().ConsecutiveFailures)
}

func TestSensorUnhealthyDoesNotAutoRecover(t *testing.T) {
	s, _ := newTestSensor(t, newFakeSource(10))
	s.setStatus(StatusHealthy)

	for i := 0; i < 5; i++ {
		s.onFailure()
	}
	require.Equal(t, StatusUnhealthy, s.Status())

	s.onSuccess()
	assert.Equal(t, StatusUnhealthy, s.Status(),
		"unhealthy requires intervention, not a lucky sample")
}

func TestSensorShouldWrite(t *testing.T) {
	s, _ := newTestSensor(t, newFakeSource(10))
	patch := map[string]any{"real_time": map[string]any{"cpu_percent": 10.0}}

	assert.True(t, s.shouldWrite(patch), "first iteration always writes")

	s.mu.Lock()
	s.stats.UpdatesWritten = 1
	s.stats.LastUpdate = time.Now()
	s.mu.Unlock()
	s.detector.Record("cpu_percent", 10.0)

	small := map[string]any{"real_time": map[string]any{"cpu_percent": 12.0}}
	assert.False(t, s.shouldWrite(small), "sub-threshold delta does not write")

	big := map[string]any{"real_time": map[string]any{"cpu_percent": 20.0}}
	assert.True(t, s.shouldWrite(big), "significant delta writes")

	// Time-based fallback regardless of deltas.
	s.mu.Lock()
	s.stats.LastUpdate = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()
	assert.True(t, s.shouldWrite(small))
}

func TestSensorRunPersistsSection(t *testing.T) {
	src := newFakeSource(42)
	s, store := newTestSensor(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Start(ctx))
	}()

	require.Eventually(t, func() bool {
		return s.Stats().UpdatesWritten >= 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, StatusStopped, s.Status())

	rec, err := store.Read("test-asset")
	require.NoError(t, err)
	compute := rec.Section("compute")
	require.NotNil(t, compute)
	assert.Equal(t, "fake", compute["sensor"])
	realTime, ok := compute["real_time"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.0, realTime["cpu_percent"])
}

func TestSensorStop(t *testing.T) {
	s, _ := newTestSensor(t, newFakeSource(10))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Start(context.Background()))
	}()

	require.Eventually(t, func() bool {
		return s.Stats().SamplesCollected >= 1
	}, 5*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sensor did not stop")
	}
	assert.Equal(t, StatusStopped, s.Status())
}

func TestSensorCollectionFailuresDoNotStopLoop(t *testing.T) {
	src := newFakeSource(10)
	src.fail.Store(true)
	s, _ := newTestSensor(t, src)
	s.config.MinInterval = time.Millisecond
	s.interval = time.Millisecond
	// Keep the sensor in the recoverable band however fast failures stack up.
	s.config.MaxFailures = 1 << 30

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Start(context.Background()))
	}()

	require.Eventually(t, func() bool {
		return s.Stats().Errors >= 3
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusDegraded, s.Status())

	// Recovery: collection starts working again.
	src.fail.Store(false)
	require.Eventually(t, func() bool {
		return s.Status() == StatusHealthy
	}, 10*time.Second, 10*time.Millisecond)

	s.Stop()
	<-done
}
