// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sensor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/assetstate/internal/telemetry"
	"github.com/antimetal/assetstate/pkg/change"
	"github.com/antimetal/assetstate/pkg/record"
)

const (
	// DefaultInitialInterval is the sampling interval a sensor starts with.
	DefaultInitialInterval = 500 * time.Millisecond
	// DefaultMinInterval bounds how fast a healthy sensor may sample.
	DefaultMinInterval = 100 * time.Millisecond
	// DefaultMaxInterval bounds how far failure backoff can stretch.
	DefaultMaxInterval = 5 * time.Second
	// DefaultMaxFailures is the consecutive-failure count that marks a
	// sensor unhealthy.
	DefaultMaxFailures = 5
	// DefaultWriteEvery forces a section write when nothing significant has
	// changed for this long.
	DefaultWriteEvery = 300 * time.Second

	// degradedAfter is the consecutive-failure count that marks a sensor
	// degraded.
	degradedAfter = 3
)

// Config tunes one sensor. Zero-value fields fall back to defaults.
type Config struct {
	AssetID         string
	Section         string
	InitialInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	MaxFailures     int
	WriteEvery      time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.WriteEvery <= 0 {
		c.WriteEvery = DefaultWriteEvery
	}
}

// Stats is a snapshot of a sensor's counters.
type Stats struct {
	SamplesCollected    uint64
	UpdatesWritten      uint64
	Errors              uint64
	LastSample          time.Time
	LastUpdate          time.Time
	ConsecutiveFailures int
	Status              Status
	Interval            time.Duration
}

// Sensor drives the adaptive collect-process-persist loop for one section of
// one record. Collection failures are recovered with backoff and never
// terminate the loop; only Stop or context cancellation does.
type Sensor struct {
	source   Source
	writer   *record.Writer
	detector *change.Detector
	config   Config
	logger   logr.Logger

	mu       sync.Mutex
	status   Status
	interval time.Duration
	failures int
	stats    Stats
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a sensor binding source to the named section, writing through
// writer. All writes go through the record's serializing writer so
// concurrent sensors on one record cannot lose updates.
func New(source Source, writer *record.Writer, detector *change.Detector, config Config, logger logr.Logger) *Sensor {
	config.applyDefaults()
	if detector == nil {
		detector = change.NewDetector(change.Options{})
	}
	return &Sensor{
		source:   source,
		writer:   writer,
		detector: detector,
		config:   config,
		logger: logger.WithName(source.Name()).
			WithValues("asset", config.AssetID, "section", config.Section),
		status:   StatusInitializing,
		interval: config.InitialInterval,
		stop:     make(chan struct{}),
	}
}

// Start runs the sampling loop until ctx is cancelled or Stop is called.
// It always returns nil: failures are handled inside the loop.
func (s *Sensor) Start(ctx context.Context) error {
	s.logger.Info("starting sensor")
	s.setStatus(StatusHealthy)

	for {
		select {
		case <-ctx.Done():
			s.setStatus(StatusStopped)
			s.logger.Info("sensor stopped", "reason", "context cancelled")
			return nil
		case <-s.stop:
			s.setStatus(StatusStopped)
			s.logger.Info("sensor stopped")
			return nil
		default:
		}

		start := time.Now()
		s.iterate(ctx)

		sleep := s.Interval() - time.Since(start)
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
			case <-s.stop:
			}
		}
	}
}

// Stop terminates the loop at the top of the next iteration. Iterations are
// short and bounded, so no mid-iteration preemption is needed.
func (s *Sensor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sensor) iterate(ctx context.Context) {
	raw, err := s.source.Collect(ctx)
	if err != nil {
		s.logger.V(1).Info("collection failed", "error", err.Error())
		s.onFailure()
		return
	}

	s.mu.Lock()
	s.stats.SamplesCollected++
	s.stats.LastSample = time.Now()
	s.mu.Unlock()

	patch := s.source.Process(raw)

	if s.shouldWrite(patch) {
		if err := s.write(ctx, patch); err != nil {
			s.logger.Error(err, "failed to persist section")
			s.onFailure()
			return
		}
		s.mu.Lock()
		s.stats.UpdatesWritten++
		s.stats.LastUpdate = time.Now()
		s.mu.Unlock()
		telemetry.SensorUpdates.WithLabelValues(s.config.Section).Inc()
	}

	s.onSuccess()
}

// shouldWrite consults the change detector for every metric in the patch's
// real_time subtree. The first successful iteration and the time-based
// fallback force a write independent of the per-metric verdicts.
func (s *Sensor) shouldWrite(patch map[string]any) bool {
	s.mu.Lock()
	firstWrite := s.stats.UpdatesWritten == 0
	lastUpdate := s.stats.LastUpdate
	s.mu.Unlock()

	if firstWrite {
		return true
	}

	significant := false
	if realTime, ok := patch["real_time"].(map[string]any); ok {
		for name, value := range realTime {
			if s.detector.ShouldUpdate(name, value, false) {
				significant = true
			}
		}
	}
	if significant {
		return true
	}

	return time.Since(lastUpdate) >= s.config.WriteEvery
}

func (s *Sensor) write(ctx context.Context, patch map[string]any) error {
	patch["last_updated"] = record.Timestamp(time.Now())
	patch["sensor"] = s.source.Name()
	patch["sensor_status"] = string(s.Status())
	return s.writer.Apply(ctx, s.config.Section, patch)
}

// onSuccess speeds sampling up by 5% per iteration down to the minimum
// interval, resets the failure counter, and recovers a degraded sensor.
func (s *Sensor) onSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = 0
	s.stats.ConsecutiveFailures = 0

	s.interval = time.Duration(float64(s.interval) * 0.95)
	if s.interval < s.config.MinInterval {
		s.interval = s.config.MinInterval
	}

	if s.status == StatusDegraded {
		s.status = StatusHealthy
	}
}

// onFailure backs sampling off exponentially (capped at the maximum
// interval) and escalates status: degraded after 3 consecutive failures,
// unhealthy after MaxFailures.
func (s *Sensor) onFailure() {
	telemetry.SensorErrors.WithLabelValues(s.config.Section).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.stats.Errors++
	s.stats.ConsecutiveFailures = s.failures

	backoff := math.Pow(1.5, math.Min(float64(s.failures), 5))
	s.interval = time.Duration(float64(s.interval) * backoff)
	if s.interval > s.config.MaxInterval {
		s.interval = s.config.MaxInterval
	}

	if s.failures >= s.config.MaxFailures {
		s.status = StatusUnhealthy
	} else if s.failures >= degradedAfter {
		s.status = StatusDegraded
	}
}

// Status returns the sensor's current operational status.
func (s *Sensor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Interval returns the current adaptive sampling interval.
func (s *Sensor) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Stats returns a snapshot of the sensor's counters.
func (s *Sensor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Status = s.status
	stats.Interval = s.interval
	return stats
}

func (s *Sensor) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// STOPPED is terminal.
	if s.status == StatusStopped {
		return
	}
	s.status = status
}
