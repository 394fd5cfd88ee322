// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package change

import (
	"math"
	"time"
)

// Trend classifies the recent direction of a metric.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// sample is one recorded observation.
type sample struct {
	value float64
	at    time.Time
}

// history is a bounded ring of numeric observations owned by one Detector.
// It is created lazily the first time a numeric metric is recorded and
// discarded on Reset.
type history struct {
	samples []sample
	head    int
	size    int
}

func newHistory(capacity int) *history {
	return &history{samples: make([]sample, capacity)}
}

func (h *history) add(value float64, at time.Time) {
	h.samples[h.head] = sample{value: value, at: at}
	h.head = (h.head + 1) % len(h.samples)
	if h.size < len(h.samples) {
		h.size++
	}
}

// last returns the most recent n values in chronological order.
func (h *history) last(n int) []float64 {
	if n > h.size {
		n = h.size
	}
	out := make([]float64, 0, n)
	start := h.head - n
	for i := 0; i < n; i++ {
		idx := (start + i + len(h.samples)) % len(h.samples)
		out = append(out, h.samples[idx].value)
	}
	return out
}

func (h *history) average() (float64, bool) {
	if h.size == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range h.last(h.size) {
		sum += v
	}
	return sum / float64(h.size), true
}

// trend looks at the last five observations: four consecutive rising deltas
// means increasing, at most one rising delta means decreasing. Fewer than
// five points is always stable.
func (h *history) trend() Trend {
	if h.size < 5 {
		return TrendStable
	}
	recent := h.last(5)
	rising := 0
	for i := 1; i < len(recent); i++ {
		if recent[i] > recent[i-1] {
			rising++
		}
	}
	switch {
	case rising >= 4:
		return TrendIncreasing
	case rising <= 1:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// volatility is the population standard deviation over the whole window.
func (h *history) volatility() float64 {
	if h.size < 2 {
		return 0
	}
	avg, _ := h.average()
	var variance float64
	for _, v := range h.last(h.size) {
		d := v - avg
		variance += d * d
	}
	variance /= float64(h.size)
	return math.Sqrt(variance)
}
