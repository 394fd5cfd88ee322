// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sources provides the built-in metric sources for the five record
// sections. Each source registers itself for its section and produces a
// patch with a real_time subtree that the change detector inspects
// metric by metric.
package sources

import (
	"context"
	"fmt"
	"math"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/antimetal/assetstate/pkg/sensor"
)

func init() {
	sensor.Register("compute", func(logger logr.Logger, config sensor.SourceConfig) (sensor.Source, error) {
		return NewComputeSource(logger, config), nil
	})
}

// Compile-time interface check
var _ sensor.Source = (*ComputeSource)(nil)

// ComputeSource samples CPU utilization, load averages, and the process
// count for the compute section.
type ComputeSource struct {
	logger          logr.Logger
	updateThreshold float64
	warning         float64
	critical        float64
}

func NewComputeSource(logger logr.Logger, config sensor.SourceConfig) *ComputeSource {
	return &ComputeSource{
		logger:          logger.WithName("compute"),
		updateThreshold: config.Thresholds.CPUPercent,
		warning:         70.0,
		critical:        85.0,
	}
}

func (s *ComputeSource) Name() string { return "compute" }

func (s *ComputeSource) Collect(ctx context.Context) (map[string]any, error) {
	// Interval 0 measures utilization since the previous call, so the
	// sampling loop's own cadence sets the window.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("%w: cpu percent: %v", sensor.ErrCollection, err)
	}
	cpuPercent := 0.0
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load average: %v", sensor.ErrCollection, err)
	}

	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: process list: %v", sensor.ErrCollection, err)
	}

	return map[string]any{
		"cpu_percent":   cpuPercent,
		"load_1m":       avg.Load1,
		"load_5m":       avg.Load5,
		"load_15m":      avg.Load15,
		"process_count": len(pids),
	}, nil
}

func (s *ComputeSource) Process(raw map[string]any) map[string]any {
	cpuPercent, _ := raw["cpu_percent"].(float64)

	return map[string]any{
		"update_strategy": "change_driven",
		"real_time": map[string]any{
			"cpu_percent":   round2(cpuPercent),
			"load_1m":       raw["load_1m"],
			"load_5m":       raw["load_5m"],
			"load_15m":      raw["load_15m"],
			"process_count": raw["process_count"],
		},
		"thresholds": map[string]any{
			"cpu_warning":      s.warning,
			"cpu_critical":     s.critical,
			"update_threshold": s.updateThreshold,
		},
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
