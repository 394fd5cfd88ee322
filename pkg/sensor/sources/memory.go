// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/antimetal/assetstate/pkg/sensor"
)

func init() {
	sensor.Register("memory", func(logger logr.Logger, config sensor.SourceConfig) (sensor.Source, error) {
		return NewMemorySource(logger, config), nil
	})
}

var _ sensor.Source = (*MemorySource)(nil)

// MemorySource samples RAM and swap usage for the memory section and keeps a
// short used-memory window for leak heuristics.
type MemorySource struct {
	logger          logr.Logger
	updateThreshold float64

	mu       sync.Mutex
	usedMB   []float64
	windowSz int
}

func NewMemorySource(logger logr.Logger, config sensor.SourceConfig) *MemorySource {
	return &MemorySource{
		logger:          logger.WithName("memory"),
		updateThreshold: config.Thresholds.MemoryPercent,
		windowSz:        30,
	}
}

func (s *MemorySource) Name() string { return "memory" }

func (s *MemorySource) Collect(ctx context.Context) (map[string]any, error) {
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: virtual memory: %v", sensor.ErrCollection, err)
	}
	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: swap memory: %v", sensor.ErrCollection, err)
	}

	usedMB := float64(vmem.Used) / 1024 / 1024

	s.mu.Lock()
	s.usedMB = append(s.usedMB, usedMB)
	if len(s.usedMB) > s.windowSz {
		s.usedMB = s.usedMB[1:]
	}
	growth := s.growthMB()
	s.mu.Unlock()

	return map[string]any{
		"memory_percent": vmem.UsedPercent,
		"total_mb":       float64(vmem.Total) / 1024 / 1024,
		"available_mb":   float64(vmem.Available) / 1024 / 1024,
		"used_mb":        usedMB,
		"swap_percent":   swap.UsedPercent,
		"swap_total_mb":  float64(swap.Total) / 1024 / 1024,
		"swap_used_mb":   float64(swap.Used) / 1024 / 1024,
		"growth_mb":      growth,
	}, nil
}

// growthMB is used-memory delta across the window. Callers hold s.mu.
func (s *MemorySource) growthMB() float64 {
	if len(s.usedMB) < 2 {
		return 0
	}
	return s.usedMB[len(s.usedMB)-1] - s.usedMB[0]
}

func (s *MemorySource) Process(raw map[string]any) map[string]any {
	growth, _ := raw["growth_mb"].(float64)
	leak := "stable"
	if growth > 100 {
		leak = "suspected"
	}

	return map[string]any{
		"update_strategy": "change_driven",
		"real_time": map[string]any{
			"memory_percent": round2(asFloat(raw["memory_percent"])),
			"total_mb":       round2(asFloat(raw["total_mb"])),
			"available_mb":   round2(asFloat(raw["available_mb"])),
			"used_mb":        round2(asFloat(raw["used_mb"])),
		},
		"swap": map[string]any{
			"swap_percent":  round2(asFloat(raw["swap_percent"])),
			"swap_total_mb": round2(asFloat(raw["swap_total_mb"])),
			"swap_used_mb":  round2(asFloat(raw["swap_used_mb"])),
		},
		"analysis": map[string]any{
			"leak_detection": leak,
			"growth_mb":      round2(growth),
		},
		"thresholds": map[string]any{
			"warning":          80.0,
			"critical":         90.0,
			"update_threshold": s.updateThreshold,
		},
	}
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
