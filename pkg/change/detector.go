// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package change

import (
	"math"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultHistorySize bounds the per-metric observation window.
	DefaultHistorySize = 60
	// DefaultStaleAfter forces an update when a metric has not been
	// recorded for this long, regardless of delta. This keeps records live
	// under a flat signal.
	DefaultStaleAfter = 300 * time.Second
)

// Options tunes a Detector. The history size and staleness fallback look
// like the freshness constants elsewhere in the system but are independent
// knobs, so they are configured here rather than shared.
type Options struct {
	Thresholds  Thresholds
	HistorySize int
	StaleAfter  time.Duration
}

// Detector decides whether a metric delta is worth persisting. One Detector
// instance serves one sensor; it is safe for concurrent use so stats readers
// can query trends while the sampling loop records.
type Detector struct {
	mu         sync.Mutex
	thresholds Thresholds
	staleAfter time.Duration
	histSize   int

	previous   map[string]any
	lastUpdate map[string]time.Time
	histories  map[string]*history

	// now is swapped in tests to drive the time-based fallback.
	now func() time.Time
}

// NewDetector builds a Detector with the given options; zero-value fields
// fall back to defaults.
func NewDetector(opts Options) *Detector {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Detector{
		thresholds: opts.Thresholds,
		staleAfter: opts.StaleAfter,
		histSize:   opts.HistorySize,
		previous:   make(map[string]any),
		lastUpdate: make(map[string]time.Time),
		histories:  make(map[string]*history),
		now:        time.Now,
	}
}

// Thresholds returns the detector's threshold configuration.
func (d *Detector) Thresholds() Thresholds { return d.thresholds }

// ShouldUpdate reports whether the new value of the named metric is
// significant enough to persist. The first observation of a metric always
// reports true. Every true return re-records the value and timestamp, so
// deltas accumulate against the last recorded value, not the last observed
// one.
func (d *Detector) ShouldUpdate(name string, value any, force bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if force {
		d.record(name, value)
		return true
	}

	previous, seen := d.previous[name]
	if !seen {
		d.record(name, value)
		return true
	}

	if d.significant(name, previous, value) {
		d.record(name, value)
		return true
	}

	// Time-based fallback: a flat metric still gets persisted periodically.
	if d.now().Sub(d.lastUpdate[name]) >= d.staleAfter {
		d.record(name, value)
		return true
	}

	return false
}

// Record stores a value without running significance tests.
func (d *Detector) Record(name string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(name, value)
}

// DetectSpike reports whether value is at least twice the history average.
func (d *Detector) DetectSpike(name string, value float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.histories[name]
	if !ok {
		return false
	}
	avg, ok := h.average()
	if !ok || avg == 0 {
		return false
	}
	return value >= avg*2
}

// Trend returns the recent direction of the named metric.
func (d *Detector) Trend(name string) Trend {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.histories[name]
	if !ok {
		return TrendStable
	}
	return h.trend()
}

// Volatility returns the population standard deviation of the metric's
// history window.
func (d *Detector) Volatility(name string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.histories[name]
	if !ok {
		return 0
	}
	return h.volatility()
}

// AdjustThresholdForVolatility recommends a threshold for the named metric
// given its observed volatility: halved above 10, three quarters above 5,
// unchanged otherwise. The recommendation is informational; callers decide
// whether to build new Thresholds from it.
func (d *Detector) AdjustThresholdForVolatility(name string) float64 {
	base := d.thresholds.CPUPercent
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "cpu"):
		base = d.thresholds.CPUPercent
	case strings.Contains(lower, "memory"):
		base = d.thresholds.MemoryPercent
	case strings.Contains(lower, "storage"), strings.Contains(lower, "disk"):
		base = d.thresholds.StoragePercent
	}

	volatility := d.Volatility(name)
	switch {
	case volatility > 10:
		return base * 0.5
	case volatility > 5:
		return base * 0.75
	default:
		return base
	}
}

// Reset discards all recorded values and histories.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previous = make(map[string]any)
	d.lastUpdate = make(map[string]time.Time)
	d.histories = make(map[string]*history)
}

func (d *Detector) record(name string, value any) {
	d.previous[name] = value
	d.lastUpdate[name] = d.now()

	if v, ok := toFloat(value); ok {
		h, exists := d.histories[name]
		if !exists {
			h = newHistory(d.histSize)
			d.histories[name] = h
		}
		h.add(v, d.now())
	}
}

// significant applies the category rule for the metric name. Categories are
// matched by substring, mirroring how sensor sections name their metrics
// (cpu_percent, memory_percent, active_connections, ...).
func (d *Detector) significant(name string, previous, current any) bool {
	if previous == nil || current == nil {
		return previous != current
	}

	lower := strings.ToLower(name)
	prevF, prevNum := toFloat(previous)
	curF, curNum := toFloat(current)

	if prevNum && curNum {
		hasPercent := strings.Contains(lower, "percent")
		switch {
		case strings.Contains(lower, "cpu") && hasPercent:
			return math.Abs(curF-prevF) >= d.thresholds.CPUPercent
		case strings.Contains(lower, "memory") && hasPercent:
			return math.Abs(curF-prevF) >= d.thresholds.MemoryPercent
		case (strings.Contains(lower, "storage") || strings.Contains(lower, "disk")) && hasPercent:
			return math.Abs(curF-prevF) >= d.thresholds.StoragePercent
		case strings.Contains(lower, "connection"):
			return math.Abs(curF-prevF) >= d.thresholds.Connections
		case strings.Contains(lower, "response_time"), strings.Contains(lower, "latency"):
			if prevF == 0 {
				return curF > 0
			}
			return curF/prevF >= d.thresholds.ResponseTimeMultiplier
		}
	}

	// Status, state, and health transitions are always significant.
	if strings.Contains(lower, "status") || strings.Contains(lower, "state") ||
		strings.Contains(lower, "health") {
		return previous != current
	}

	// Non-numeric values: any change counts.
	if !curNum || !prevNum {
		return !equalValues(previous, current)
	}

	// Default numeric rule: 10% relative change.
	if prevF == 0 {
		return curF != 0
	}
	return math.Abs((curF-prevF)/prevF*100) >= 10
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
