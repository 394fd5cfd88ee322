// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package change implements per-metric significance testing: a detector that
// decides whether a new metric value differs enough from the last recorded
// one to be worth persisting, with bounded history for spike, trend, and
// volatility analysis.
package change

// Thresholds configures what counts as a significant change per metric
// category. Values are immutable after construction: adaptive adjustment
// returns a recommended copy instead of mutating in place.
type Thresholds struct {
	// CPUPercent is the absolute delta for cpu percentage metrics.
	CPUPercent float64
	// MemoryPercent is the absolute delta for memory percentage metrics.
	MemoryPercent float64
	// StoragePercent is the absolute delta for storage and disk percentage
	// metrics. Tighter than cpu/memory since disk fills slowly.
	StoragePercent float64
	// Connections is the absolute delta for connection-count metrics.
	Connections float64
	// ResponseTimeMultiplier is the current/previous ratio that flags a
	// response time or latency metric.
	ResponseTimeMultiplier float64
}

// DefaultThresholds returns the stock thresholds: 5% cpu, 5% memory,
// 1% storage, 10 connections, 2x response time.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:             5.0,
		MemoryPercent:          5.0,
		StoragePercent:         1.0,
		Connections:            10,
		ResponseTimeMultiplier: 2.0,
	}
}
